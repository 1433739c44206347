package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"catalogmon/internal/scheduler"
	"catalogmon/internal/storage"
)

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ProductFilter{
		Category:   q.Get("category"),
		Gender:     q.Get("gender"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	}

	products, err := s.store.ListProducts(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list products", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list products")
		return
	}
	s.respondWithJSON(w, http.StatusOK, products)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	product, err := s.store.GetProduct(r.Context(), code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Product not found")
			return
		}
		s.logger.Error("failed to get product", zap.String("code", code), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve product")
		return
	}
	s.respondWithJSON(w, http.StatusOK, product)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	limit := queryInt(r.URL.Query().Get("limit"), 100)

	snaps, err := s.store.SnapshotHistory(r.Context(), code, limit)
	if err != nil {
		s.logger.Error("failed to load history", zap.String("code", code), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve history")
		return
	}
	s.respondWithJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 100)
	alerts, err := s.store.ListAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list alerts", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list alerts")
		return
	}
	s.respondWithJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), 50)
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list runs")
		return
	}
	s.respondWithJSON(w, http.StatusOK, runs)
}

// handleActiveRuns and handleStaleRuns classify running rows by heartbeat
// age; the timeout is overridable per request for operator queries.
func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt(r.URL.Query().Get("timeout"), 60)) * time.Second
	runs, err := s.store.ActiveRuns(r.Context(), timeout)
	if err != nil {
		s.logger.Error("failed to list active runs", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list active runs")
		return
	}
	s.respondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStaleRuns(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt(r.URL.Query().Get("timeout"), 60)) * time.Second
	runs, err := s.store.StaleRuns(r.Context(), timeout)
	if err != nil {
		s.logger.Error("failed to list stale runs", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not list stale runs")
		return
	}
	s.respondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not compute stats")
		return
	}
	s.respondWithJSON(w, http.StatusOK, stats)
}

// handleTriggerScrape starts a scrape through the same single-flight path
// as the timer; a run in progress yields 409.
func (s *Server) handleTriggerScrape(w http.ResponseWriter, r *http.Request) {
	err := s.sched.TriggerScrapeAsync(context.WithoutCancel(r.Context()))
	if errors.Is(err, scheduler.ErrScrapeInProgress) {
		s.respondWithError(w, http.StatusConflict, "A scrape is already running")
		return
	}
	s.respondWithJSON(w, http.StatusAccepted, map[string]string{"message": "Scrape started"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string)

	if err := s.db.Ping(ctx); err != nil {
		healthStatus["postgres"] = "unhealthy"
		s.logger.Error("health check failed for postgres", zap.Error(err))
	} else {
		healthStatus["postgres"] = "healthy"
	}

	if err := s.cache.Ping(ctx); err != nil {
		healthStatus["redis"] = "unhealthy"
		s.logger.Error("health check failed for redis", zap.Error(err))
	} else {
		healthStatus["redis"] = "healthy"
	}

	if healthStatus["postgres"] != "healthy" || healthStatus["redis"] != "healthy" {
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
