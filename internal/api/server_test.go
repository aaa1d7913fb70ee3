package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/prism/internal/advisory"
	"github.com/nugget/prism/internal/connwatch"
	"github.com/nugget/prism/internal/engine"
	"github.com/nugget/prism/internal/finance"
	"github.com/nugget/prism/internal/notify"
	"github.com/nugget/prism/internal/snapshot"
	"github.com/nugget/prism/internal/usage"
)

type fakeCycles struct {
	runErr    error
	resumeErr error
	lastExtra map[string]any
	lastDec   engine.Decision
}

func (f *fakeCycles) RunCycle(_ context.Context, subject, message string, extra map[string]any) (*engine.Result, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.lastExtra = extra
	return &engine.Result{CycleID: "c-1", Subject: subject, Status: engine.StatusCompleted, Output: "echo: " + message}, nil
}

func (f *fakeCycles) ResumeCycle(_ context.Context, id uuid.UUID, dec engine.Decision) (*engine.Result, error) {
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	f.lastDec = dec
	return &engine.Result{CycleID: "c-2", Status: engine.StatusCompleted, Output: dec.Value}, nil
}

type fakeSnapshots struct {
	snaps      map[uuid.UUID]*snapshot.Snapshot
	lastStatus snapshot.Status
	lastLimit  int
}

func (f *fakeSnapshots) Load(_ context.Context, id uuid.UUID) (*snapshot.Snapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, snapshot.ErrNotFound)
	}
	return s, nil
}

func (f *fakeSnapshots) List(_ context.Context, subject string, status snapshot.Status, limit int) ([]*snapshot.Snapshot, error) {
	f.lastStatus, f.lastLimit = status, limit
	var out []*snapshot.Snapshot
	for _, s := range f.snaps {
		if s.Subject == subject {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeLedger struct {
	entries map[uuid.UUID]*advisory.Entry
	undoErr error
}

func (f *fakeLedger) List(_ context.Context, subject string) ([]advisory.Entry, error) {
	var out []advisory.Entry
	for _, e := range f.entries {
		if e.Subject == subject {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeLedger) Undo(_ context.Context, id uuid.UUID) (*advisory.Entry, error) {
	if f.undoErr != nil {
		return nil, f.undoErr
	}
	e, ok := f.entries[id]
	if !ok {
		return nil, advisory.ErrNotFound
	}
	now := time.Now()
	e.UndoneAt = &now
	return e, nil
}

type fakeBooks struct {
	txs []finance.Transaction
}

func (f *fakeBooks) AddTransaction(_ context.Context, tx finance.Transaction) error {
	if tx.ID == "" {
		return errors.New("subject and transaction id are required")
	}
	f.txs = append(f.txs, tx)
	return nil
}

type fakeServices []connwatch.ServiceStatus

func (f fakeServices) Status() []connwatch.ServiceStatus { return f }

type fakeUsage struct {
	subject string
	span    time.Duration
}

func (f *fakeUsage) Summary(_ context.Context, subject string, start, end time.Time) (*usage.Summary, error) {
	f.subject = subject
	f.span = end.Sub(start)
	return &usage.Summary{Records: 2, InputTokens: 300, OutputTokens: 40, CostUSD: 0.01}, nil
}

func (f *fakeUsage) SummaryByModel(context.Context, string, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"qwen": {Records: 2, InputTokens: 300, OutputTokens: 40}}, nil
}

type captureNotifier struct{ events []notify.Event }

func (c *captureNotifier) Notify(_ context.Context, ev notify.Event) { c.events = append(c.events, ev) }

type testServer struct {
	handler   http.Handler
	cycles    *fakeCycles
	snapshots *fakeSnapshots
	ledger    *fakeLedger
	books     *fakeBooks
	notifier  *captureNotifier
	services  fakeServices
	usage     *fakeUsage
	snapID    uuid.UUID
	entryID   uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		cycles:   &fakeCycles{},
		books:    &fakeBooks{},
		notifier: &captureNotifier{},
		services: fakeServices{{Name: "llm/ollama", Ready: true, Checked: true}},
		usage:    &fakeUsage{},
		snapID:   uuid.Must(uuid.NewV7()),
		entryID:  uuid.Must(uuid.NewV7()),
	}
	ts.snapshots = &fakeSnapshots{snaps: map[uuid.UUID]*snapshot.Snapshot{
		ts.snapID: {
			ID:          ts.snapID,
			Subject:     "tenant-1",
			Checkpoint:  []byte("secret state"),
			PendingName: "reclassify_transaction",
			Tier:        3,
			Status:      snapshot.StatusPending,
			Description: "reclassify_transaction requires approval (tier 3, active)",
		},
	}}
	ts.ledger = &fakeLedger{entries: map[uuid.UUID]*advisory.Entry{
		ts.entryID: {ID: ts.entryID, Subject: "tenant-1", Capability: "auto_tag_transaction", CycleID: "c-0"},
	}}

	srv := NewServer("127.0.0.1", 0, Deps{
		Cycles:    ts.cycles,
		Snapshots: ts.snapshots,
		Ledger:    ts.ledger,
		Books:     ts.books,
		Stream:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Notifier:  ts.notifier,
		Services:  &ts.services,
		Usage:     ts.usage,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func errorMessage(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	msg, _ := e["message"].(string)
	return msg
}

func TestRunCycle(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "POST", "/v1/cycles", `{"subject":"tenant-1","message":"show revenue","context":{"channel":"web"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "echo: show revenue", body["output"])
	assert.Equal(t, map[string]any{"channel": "web"}, ts.cycles.lastExtra)
}

func TestRunCycle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		runErr error
		code   int
	}{
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "missing subject", body: `{"message":"hi"}`, code: http.StatusBadRequest},
		{name: "missing message", body: `{"subject":"tenant-1","message":"  "}`, code: http.StatusBadRequest},
		{name: "unknown subject", body: `{"subject":"x","message":"hi"}`, runErr: fmt.Errorf("%w: x", engine.ErrUnknownSubject), code: http.StatusNotFound},
		{name: "cancelled", body: `{"subject":"x","message":"hi"}`, runErr: context.Canceled, code: http.StatusServiceUnavailable},
		{name: "internal", body: `{"subject":"x","message":"hi"}`, runErr: errors.New("disk full"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.cycles.runErr = tt.runErr
			rec, body := ts.do(t, "POST", "/v1/cycles", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, errorMessage(body))
		})
	}
}

func TestResume(t *testing.T) {
	ts := newTestServer(t)

	path := "/v1/snapshots/" + ts.snapID.String() + "/resume"
	rec, body := ts.do(t, "POST", path, `{"approved":true,"value":{"receipt":"R-1"},"note":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"receipt": "R-1"}, body["output"])
	assert.True(t, ts.cycles.lastDec.Approved)
	assert.Equal(t, "ok", ts.cycles.lastDec.Note)
}

func TestResume_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		code int
	}{
		{name: "bad id", path: "/v1/snapshots/nope/resume", code: http.StatusBadRequest},
		{name: "already resumed", err: fmt.Errorf("snapshot x: %w", snapshot.ErrAlreadyResumed), code: http.StatusConflict},
		{name: "not found", err: snapshot.ErrNotFound, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.cycles.resumeErr = tt.err
			path := tt.path
			if path == "" {
				path = "/v1/snapshots/" + ts.snapID.String() + "/resume"
			}
			rec, _ := ts.do(t, "POST", path, `{"approved":true}`)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestSnapshotGet(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "GET", "/v1/snapshots/"+ts.snapID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reclassify_transaction", body["pending_name"])
	assert.Equal(t, "pending_approval", body["status"])
	assert.NotContains(t, rec.Body.String(), "secret state", "checkpoint must not be exposed")

	rec, _ = ts.do(t, "GET", "/v1/snapshots/"+uuid.Must(uuid.NewV7()).String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotList(t *testing.T) {
	tests := []struct {
		query      string
		code       int
		wantStatus snapshot.Status
		wantLimit  int
	}{
		{query: "", code: http.StatusOK, wantStatus: snapshot.StatusPending},
		{query: "?status=resumed&limit=5", code: http.StatusOK, wantStatus: snapshot.StatusResumed, wantLimit: 5},
		{query: "?status=all", code: http.StatusOK, wantStatus: ""},
		{query: "?status=bogus", code: http.StatusBadRequest},
		{query: "?limit=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			ts := newTestServer(t)
			rec, body := ts.do(t, "GET", "/v1/subjects/tenant-1/snapshots"+tt.query, "")
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantStatus, ts.snapshots.lastStatus)
			assert.Equal(t, tt.wantLimit, ts.snapshots.lastLimit)
			assert.Equal(t, 1.0, body["count"])
		})
	}
}

func TestSnapshotList_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, "GET", "/v1/subjects/nobody/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"snapshots":[]`)
}

func TestUndo(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "POST", "/v1/advisory/"+ts.entryID.String()+"/undo", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, body["undone_at"])

	require.Len(t, ts.notifier.events, 1)
	assert.Equal(t, notify.EventAdvisoryUndone, ts.notifier.events[0].Type)
	assert.Equal(t, "tenant-1", ts.notifier.events[0].Subject)
}

func TestUndo_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "window closed", err: fmt.Errorf("x: %w", advisory.ErrWindowClosed), code: http.StatusGone},
		{name: "already undone", err: advisory.ErrAlreadyUndone, code: http.StatusConflict},
		{name: "not found", err: advisory.ErrNotFound, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.ledger.undoErr = tt.err
			rec, _ := ts.do(t, "POST", "/v1/advisory/"+ts.entryID.String()+"/undo", "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Empty(t, ts.notifier.events)
		})
	}
}

func TestAdvisoryList(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, "GET", "/v1/subjects/tenant-1/advisory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["count"])
}

func TestAddTransaction(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "POST", "/v1/subjects/tenant-1/transactions",
		`{"id":"tx-1","amount":-120.5,"description":"train","date":"2026-02-01T09:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "tenant-1", body["subject"])
	require.Len(t, ts.books.txs, 1)
	assert.Equal(t, -120.5, ts.books.txs[0].Amount)

	rec, _ = ts.do(t, "POST", "/v1/subjects/tenant-1/transactions", `{"amount":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Len(t, body["services"], 1)

	ts.services = append(ts.services, connwatch.ServiceStatus{Name: "llm/anthropic", Checked: true, LastError: "401"})
	_, body = ts.do(t, "GET", "/health", "")
	assert.Equal(t, "degraded", body["status"])

	// Not probed yet is not a failure.
	ts.services = fakeServices{{Name: "llm/ollama"}}
	_, body = ts.do(t, "GET", "/health", "")
	assert.Equal(t, "healthy", body["status"])

	rec, body = ts.do(t, "GET", "/v1/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "version")
}

func TestStreamRoute(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, "GET", "/v1/approvals/stream", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, "GET", "/v1/subjects/tenant-1/usage?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "tenant-1", ts.usage.subject)
	assert.Equal(t, 7*24*time.Hour, ts.usage.span.Round(time.Hour))
	total, _ := body["total"].(map[string]any)
	assert.Equal(t, float64(300), total["input_tokens"])
	assert.Contains(t, body["by_model"], "qwen")

	for _, q := range []string{"0", "-1", "week"} {
		rec, _ := ts.do(t, "GET", "/v1/subjects/tenant-1/usage?days="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "days=%s", q)
	}
}
