package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"catalogmon/internal/scheduler"
	"catalogmon/internal/storage"
)

// Pinger is anything with a health check; Postgres and Redis both qualify.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	port       string
	router     http.Handler
	httpServer *http.Server
	store      storage.Store
	db         Pinger
	cache      Pinger
	sched      *scheduler.Scheduler
	logger     *zap.Logger
}

func NewServer(port string, store storage.Store, db, cache Pinger, sched *scheduler.Scheduler, l *zap.Logger) *Server {
	s := &Server{
		port:   port,
		store:  store,
		db:     db,
		cache:  cache,
		sched:  sched,
		logger: l,
	}
	s.router = s.setupRouter()
	return s
}

// Router exposes the configured handler; tests mount it on httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
