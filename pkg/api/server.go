// Package api serves the device-local control API: session status, retry,
// install-signal delivery and metrics.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/fleetkit/handoff/pkg/db"
	"github.com/fleetkit/handoff/pkg/handoff"
	"github.com/fleetkit/handoff/pkg/platform"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Current(ctx context.Context) (*db.Session, error)
	Retry(ctx context.Context) (*db.Session, error)
	Running() bool
}

// SignalSink accepts install completion signals.
type SignalSink interface {
	Deliver(sig platform.InstallSignal) bool
}

type Config struct {
	ListenAddr string
	Log        *slog.Logger

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *Config
	isReady atomic.Bool
	log     *slog.Logger

	srv      *http.Server
	ctrl     Controller
	signals  SignalSink
	gatherer prometheus.Gatherer

	// Background retries run on ctx; Shutdown cancels it and waits.
	ctx     context.Context
	cancel  context.CancelFunc
	retries sync.WaitGroup
}

// SessionStatus is the JSON view of the session.
type SessionStatus struct {
	ID                  string `json:"id"`
	AttemptID           string `json:"attemptId"`
	Phase               string `json:"phase"`
	FailedPhase         string `json:"failedPhase,omitempty"`
	FailureReason       string `json:"failureReason,omitempty"`
	LastError           string `json:"lastError,omitempty"`
	StatusLine          string `json:"statusLine"`
	Retryable           bool   `json:"retryable"`
	ConfirmationPending bool   `json:"confirmationPending"`
	Running             bool   `json:"running"`
	UpdatedAt           string `json:"updatedAt"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(cfg *Config, ctrl Controller, signals SignalSink, gatherer prometheus.Gatherer) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.GracefulShutdownDuration <= 0 {
		cfg.GracefulShutdownDuration = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		log:      cfg.Log,
		ctrl:     ctrl,
		signals:  signals,
		gatherer: gatherer,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

// Handler returns the API router.
func (srv *Server) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Get("/v1/status", srv.handleStatus)
	mux.With(srv.httpLogger).Post("/v1/retry", srv.handleRetry)
	mux.With(srv.httpLogger).Post("/v1/install-signals", srv.handleInstallSignal)

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	if srv.gatherer != nil {
		mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func statusOf(s *db.Session, running bool) SessionStatus {
	return SessionStatus{
		ID:                  s.ID,
		AttemptID:           s.AttemptID,
		Phase:               string(s.Phase),
		FailedPhase:         string(s.FailedPhase),
		FailureReason:       s.FailureReason,
		LastError:           s.LastError,
		StatusLine:          s.StatusLine(),
		Retryable:           s.Retryable(),
		ConfirmationPending: s.ConfirmationHandle != "",
		Running:             running,
		UpdatedAt:           s.UpdatedAt,
	}
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s, err := srv.ctrl.Current(r.Context())
	if err != nil {
		srv.log.Error("status_query_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s == nil {
		writeError(w, http.StatusNotFound, "no_session", "no provisioning session yet")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(s, srv.ctrl.Running()))
}

// handleRetry starts a retry in the background; the caller follows progress
// through /v1/status.
func (srv *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if srv.ctrl.Running() {
		writeError(w, http.StatusConflict, "busy", handoff.ErrBusy.Error())
		return
	}

	s, err := srv.ctrl.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if s == nil || !s.Retryable() {
		writeError(w, http.StatusConflict, "not_retryable", handoff.ErrNotRetryable.Error())
		return
	}

	srv.retries.Add(1)
	go func() {
		defer srv.retries.Done()
		s, err := srv.ctrl.Retry(srv.ctx)
		switch {
		case stderrors.Is(err, handoff.ErrBusy), stderrors.Is(err, handoff.ErrNotRetryable):
			srv.log.Warn("api_retry_rejected", "error", err)
		case err != nil:
			srv.log.Error("api_retry_failed", "error", err)
		default:
			srv.log.Info("api_retry_finished", "session_id", s.ID, "phase", s.Phase)
		}
	}()

	writeJSON(w, http.StatusAccepted, statusOf(s, true))
}

func (srv *Server) handleInstallSignal(w http.ResponseWriter, r *http.Request) {
	var sig platform.InstallSignal
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid install signal body")
		return
	}
	if sig.AttemptID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "attemptId is required")
		return
	}
	switch sig.Status {
	case platform.StatusSuccess, platform.StatusFailed, platform.StatusPendingUserConfirmation:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status "+sig.Status)
		return
	}

	if !srv.signals.Deliver(sig) {
		writeError(w, http.StatusConflict, "stale_attempt", "attempt "+sig.AttemptID+" is not awaiting a signal")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("api_server_starting", "listen_addr", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			srv.log.Error("api_server_failed", "error", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	srv.isReady.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("api_server_shutdown_failed", "error", err)
	} else {
		srv.log.Info("api_server_stopped")
	}

	srv.cancel()
	srv.retries.Wait()
}
