// Package api implements the HTTP API: start cycles, inspect and resolve
// pending approvals, undo advisory actions and stream approval events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/advisory"
	"github.com/nugget/prism/internal/buildinfo"
	"github.com/nugget/prism/internal/connwatch"
	"github.com/nugget/prism/internal/engine"
	"github.com/nugget/prism/internal/finance"
	"github.com/nugget/prism/internal/notify"
	"github.com/nugget/prism/internal/snapshot"
	"github.com/nugget/prism/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Cycles runs and resumes execution cycles.
type Cycles interface {
	RunCycle(ctx context.Context, subject, message string, extra map[string]any) (*engine.Result, error)
	ResumeCycle(ctx context.Context, id uuid.UUID, dec engine.Decision) (*engine.Result, error)
}

// Snapshots is the read side of the snapshot store.
type Snapshots interface {
	Load(ctx context.Context, id uuid.UUID) (*snapshot.Snapshot, error)
	List(ctx context.Context, subject string, status snapshot.Status, limit int) ([]*snapshot.Snapshot, error)
}

// Ledger lists and undoes advisory actions.
type Ledger interface {
	List(ctx context.Context, subject string) ([]advisory.Entry, error)
	Undo(ctx context.Context, id uuid.UUID) (*advisory.Entry, error)
}

// Bookkeeper books transactions.
type Bookkeeper interface {
	AddTransaction(ctx context.Context, tx finance.Transaction) error
}

// Services reports the health of external dependencies.
type Services interface {
	Status() []connwatch.ServiceStatus
}

// Usage reports model token usage.
type Usage interface {
	Summary(ctx context.Context, subject string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, subject string, start, end time.Time) (map[string]*usage.Summary, error)
}

// Deps are the services behind the API. Books, Stream, Notifier,
// Services and Usage are optional.
type Deps struct {
	Cycles    Cycles
	Snapshots Snapshots
	Ledger    Ledger
	Books     Bookkeeper
	// Stream serves the approval event websocket.
	Stream   http.Handler
	Notifier notify.Notifier
	Services Services
	Usage    Usage
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Cycles
	mux.HandleFunc("POST /v1/cycles", s.handleRunCycle)

	// Approvals
	mux.HandleFunc("GET /v1/snapshots/{id}", s.handleSnapshotGet)
	mux.HandleFunc("POST /v1/snapshots/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /v1/subjects/{subject}/snapshots", s.handleSnapshotList)
	if s.deps.Stream != nil {
		mux.Handle("GET /v1/approvals/stream", s.deps.Stream)
	}

	// Advisory ledger
	mux.HandleFunc("GET /v1/subjects/{subject}/advisory", s.handleAdvisoryList)
	mux.HandleFunc("POST /v1/advisory/{id}/undo", s.handleUndo)

	// Books
	mux.HandleFunc("POST /v1/subjects/{subject}/transactions", s.handleAddTransaction)

	// Usage
	if s.deps.Usage != nil {
		mux.HandleFunc("GET /v1/subjects/{subject}/usage", s.handleUsage)
	}

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // cycles wait on the model
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "degraded" when any watched dependency is
// unreachable. The process itself is still serving, so the code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var services []connwatch.ServiceStatus
	if s.deps.Services != nil {
		services = s.deps.Services.Status()
		for _, svc := range services {
			if svc.Checked && !svc.Ready {
				status = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   status,
		"uptime":   buildinfo.Uptime().String(),
		"services": services,
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	end := time.Now()
	start := end.AddDate(0, 0, -days)

	total, err := s.deps.Usage.Summary(r.Context(), subject, start, end)
	if err != nil {
		s.engineError(w, err)
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(r.Context(), subject, start, end)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"subject":  subject,
		"days":     days,
		"total":    total,
		"by_model": byModel,
	})
}

// RunCycleRequest starts a cycle.
type RunCycleRequest struct {
	Subject string         `json:"subject"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req RunCycleRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" || strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "subject and message are required")
		return
	}

	res, err := s.deps.Cycles.RunCycle(r.Context(), req.Subject, req.Message, req.Context)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

// ResumeRequest resolves a pending approval.
type ResumeRequest struct {
	Approved bool   `json:"approved"`
	Value    any    `json:"value,omitempty"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req ResumeRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.deps.Cycles.ResumeCycle(r.Context(), id, engine.Decision{
		Approved: req.Approved,
		Value:    req.Value,
		Note:     req.Note,
	})
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, err := s.deps.Snapshots.Load(r.Context(), id)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")

	status := snapshot.StatusPending
	switch v := r.URL.Query().Get("status"); v {
	case "", string(snapshot.StatusPending):
	case string(snapshot.StatusResumed):
		status = snapshot.StatusResumed
	case "all":
		status = ""
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	snaps, err := s.deps.Snapshots.List(r.Context(), subject, status, limit)
	if err != nil {
		s.engineError(w, err)
		return
	}
	if snaps == nil {
		snaps = []*snapshot.Snapshot{}
	}
	s.respond(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleAdvisoryList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.List(r.Context(), r.PathValue("subject"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	entry, err := s.deps.Ledger.Undo(r.Context(), id)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.deps.Notifier.Notify(r.Context(), notify.Event{
		Type:       notify.EventAdvisoryUndone,
		Subject:    entry.Subject,
		CycleID:    entry.CycleID,
		Capability: entry.Capability,
		Tier:       2,
		Status:     "undone",
	})
	s.respond(w, http.StatusOK, entry)
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Books == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "bookkeeping not configured")
		return
	}
	var tx finance.Transaction
	if !s.decode(w, r, &tx) {
		return
	}
	tx.Subject = r.PathValue("subject")
	if err := s.deps.Books.AddTransaction(r.Context(), tx); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, tx)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

// engineError maps domain errors onto HTTP status codes.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownSubject),
		errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, advisory.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, snapshot.ErrAlreadyResumed),
		errors.Is(err, advisory.ErrAlreadyUndone):
		code = http.StatusConflict
	case errors.Is(err, advisory.ErrWindowClosed):
		code = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
