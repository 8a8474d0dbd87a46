package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/send-orchestrator/internal/config"
	"github.com/ignite/send-orchestrator/internal/domain"
	"github.com/ignite/send-orchestrator/internal/orchestrator"
	"github.com/ignite/send-orchestrator/internal/pkg/httputil"
	"github.com/ignite/send-orchestrator/internal/pkg/logger"
	"github.com/ignite/send-orchestrator/internal/repository/postgres"
)

// Server exposes the operational HTTP surface: liveness, an operator
// status view of workers and queue depth, and Prometheus metrics. It is
// not an enqueue or management API.
type Server struct {
	srv   *http.Server
	db    *sql.DB
	orch  *orchestrator.Orchestrator
	queue *postgres.QueueRepo
	log   *logger.Logger
}

// New builds the server and its routes.
func New(cfg config.HTTPConfig, db *sql.DB, orch *orchestrator.Orchestrator, queue *postgres.QueueRepo) *Server {
	s := &Server{
		db:    db,
		orch:  orch,
		queue: queue,
		log:   logger.Component("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth reports liveness. The database is the system's only hard
// dependency, so health is a DB ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy", "error": err.Error(),
		})
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Workers []orchestrator.WorkerStatus  `json:"workers"`
	Queue   map[domain.QueueStatus]int64 `json:"queue"`
	Time    time.Time                    `json:"time"`
}

// handleStatus returns the worker table and queue depth for operators.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, statusResponse{
		Workers: s.orch.Status(),
		Queue:   depth,
		Time:    time.Now().UTC(),
	})
}
