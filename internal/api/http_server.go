// Package api serves the local HTTP API: status, manual sync triggers, the
// pending queue, the calendar feed and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"duet/internal/calsync"
	"duet/internal/config"
	"duet/internal/domain"
	"duet/internal/models"
	"duet/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Syncer interface {
	Sync(ctx context.Context, trigger calsync.Trigger) (calsync.Result, error)
	Cleanup(ctx context.Context) (calsync.CleanupResult, error)
}

type Foregrounder interface {
	Foreground()
}

type StatusReporter interface {
	Report(ctx context.Context) service.StatusReport
}

type QueueLister interface {
	Snapshot() []models.PendingOperation
}

type FeedWriter interface {
	Write(ctx context.Context, w io.Writer) error
}

// Deps are the collaborators behind the routes. A nil dependency turns its
// routes into 503 responses.
type Deps struct {
	Sync      Syncer
	Lifecycle Foregrounder
	Status    StatusReporter
	Queue     QueueLister
	Feed      FeedWriter
}

// HTTPServer exposes the API over plain HTTP.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, withMetrics bool, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/foreground", srv.handleForeground)
	mux.HandleFunc("/api/v1/calendar/cleanup", srv.handleCleanup)
	mux.HandleFunc("/api/v1/calendar.ics", srv.handleFeed)
	if withMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	handler := loggingMiddleware(logger, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Manual syncs and cleanups wait for several remote round trips.
		WriteTimeout: 2 * time.Minute,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status.Report(r.Context()))
}

type queuedOperation struct {
	ID          string               `json:"id"`
	Type        models.OperationType `json:"type"`
	EntityKey   string               `json:"entity_key"`
	CreatedAt   time.Time            `json:"created_at"`
	RetryCount  int                  `json:"retry_count"`
	LastRetryAt *time.Time           `json:"last_retry_at,omitempty"`
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	ops := s.deps.Queue.Snapshot()
	out := make([]queuedOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, queuedOperation{
			ID:          op.ID,
			Type:        op.Type,
			EntityKey:   op.EntityKey(),
			CreatedAt:   op.CreatedAt,
			RetryCount:  op.RetryCount,
			LastRetryAt: op.LastRetryAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": len(out), "operations": out})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar sync is disabled")
		return
	}

	result, err := s.deps.Sync.Sync(r.Context(), calsync.TriggerManual)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleForeground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Lifecycle == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	s.deps.Lifecycle.Foreground()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar sync is disabled")
		return
	}

	result, err := s.deps.Sync.Cleanup(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar feed unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := s.deps.Feed.Write(r.Context(), w); err != nil {
		s.logger.Error().Err(err).Msg("write calendar feed")
		writeError(w, http.StatusInternalServerError, "calendar feed failed")
	}
}

// statusForError maps core errors to response codes.
func statusForError(err error) int {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrConfigurationMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
