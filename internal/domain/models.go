package domain

import "time"

// Run task types.
const (
	TaskScrape  = "scrape"
	TaskReport  = "report"
	TaskCleanup = "cleanup"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Alert types.
const (
	AlertPriceDrop     = "price_drop"
	AlertPriceIncrease = "price_increase"
	AlertBackInStock   = "back_in_stock"
	AlertOutOfStock    = "out_of_stock"
)

// RawRecord mirrors a single item in the upstream catalog response.
type RawRecord struct {
	GoodsNo     string   `json:"goodsNo"`
	GoodsName   string   `json:"goodsName"`
	GoodsNameEN string   `json:"goodsNameEn"`
	CategoryCd  string   `json:"categoryCd"`
	GenderCd    string   `json:"genderCd"`
	SeasonCd    string   `json:"seasonCd"`
	MaterialCd  string   `json:"materialCd"`
	ImagePath   string   `json:"imgFilePath"`
	OriginPrice float64  `json:"originPrice"`
	SalePrice   float64  `json:"salePrice"`
	MinPrice    float64  `json:"minPrice"`
	MaxPrice    float64  `json:"maxPrice"`
	StockYn     string   `json:"stockYn"` // "Y" in stock, "N" sold out
	SizeCds     []string `json:"sizeCdList"`
	ColorCds    []string `json:"colorCdList"`
	SalesCount  int      `json:"salesCount"`
	EvalCount   int      `json:"evalCount"`
	Score       float64  `json:"score"`
}

// Observation is one normalized sighting of a product, not yet compared
// against stored history.
type Observation struct {
	Code        string
	Name        string
	NameEN      string
	Category    string
	Gender      string
	Season      string
	Material    string
	ImageURL    string
	OriginPrice float64
	Price       float64
	MinPrice    float64
	MaxPrice    float64
	InStock     bool
	Sizes       []string
	Colors      []string
	SalesCount  int
	EvalCount   int
	Score       float64
	ObservedAt  time.Time
}

// Product is the durable identity of a catalog item. Created on first
// observation, mutated on every subsequent one, never hard-deleted.
type Product struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	NameEN     string    `json:"nameEn,omitempty"`
	Category   string    `json:"category,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Season     string    `json:"season,omitempty"`
	Material   string    `json:"material,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// PriceSnapshot is an append-only observation of one product at one point
// in time. Immutable once written.
type PriceSnapshot struct {
	ID          int64     `json:"id"`
	ProductCode string    `json:"productCode"`
	OriginPrice float64   `json:"originPrice"`
	Price       float64   `json:"price"`
	MinPrice    float64   `json:"minPrice"`
	MaxPrice    float64   `json:"maxPrice"`
	InStock     bool      `json:"inStock"`
	Sizes       []string  `json:"sizes"`
	Colors      []string  `json:"colors"`
	SalesCount  int       `json:"salesCount"`
	EvalCount   int       `json:"evalCount"`
	Score       float64   `json:"score"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// Alert is a classified notification derived from two consecutive snapshots
// of the same product.
type Alert struct {
	ID            int64     `json:"id"`
	ProductCode   string    `json:"productCode"`
	AlertType     string    `json:"alertType"`
	PrevPrice     float64   `json:"prevPrice"`
	CurrPrice     float64   `json:"currPrice"`
	ChangeAmount  float64   `json:"changeAmount"`
	ChangePercent float64   `json:"changePercent"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ScrapeRun records one execution of a scheduled task. While running, the
// heartbeat fields are refreshed once per fetch batch; external observers
// classify the run as stale when the heartbeat falls outside the timeout.
type ScrapeRun struct {
	ID                int64      `json:"id"`
	TaskType          string     `json:"taskType"`
	Status            string     `json:"status"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	DurationMs        int64      `json:"durationMs"`
	ProductsProcessed int        `json:"productsProcessed"`
	NewProducts       int        `json:"newProducts"`
	PriceChanges      int        `json:"priceChanges"`
	AlertsGenerated   int        `json:"alertsGenerated"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	ErrorDetails      string     `json:"errorDetails,omitempty"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`
	CurrentPage       int        `json:"currentPage"`
	TotalPages        int        `json:"totalPages"`
}

// Stats is the aggregate view served by the read API.
type Stats struct {
	Products       int64 `json:"products"`
	ActiveProducts int64 `json:"activeProducts"`
	Snapshots      int64 `json:"snapshots"`
	Alerts         int64 `json:"alerts"`
	AlertsLast24h  int64 `json:"alertsLast24h"`
	CompletedRuns  int64 `json:"completedRuns"`
	FailedRuns     int64 `json:"failedRuns"`
}
