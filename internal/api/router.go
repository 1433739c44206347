package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/metrics", promhttp.Handler().(http.HandlerFunc))
	r.Get("/api/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", s.handleListProducts)
		r.Get("/products/{code}", s.handleGetProduct)
		r.Get("/products/{code}/history", s.handleHistory)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/active", s.handleActiveRuns)
		r.Get("/runs/stale", s.handleStaleRuns)
		r.Get("/stats", s.handleStats)
		r.Post("/scrape", s.handleTriggerScrape)
	})

	return r
}
