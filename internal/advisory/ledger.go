// Package advisory keeps the reversal ledger for tier 2 actions.
//
// Advisory capabilities run without approval but must stay undoable for
// a fixed window. Every execution is recorded here with its undo
// deadline; an operator (or the subject) can undo it until then, which
// calls the capability's own Revert function.
package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/opstate"
)

const namespace = "advisory_ledger"

var (
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("advisory entry not found")
	// ErrWindowClosed is returned when the undo deadline has passed.
	ErrWindowClosed = errors.New("reversal window closed")
	// ErrAlreadyUndone is returned when an entry was already reverted.
	ErrAlreadyUndone = errors.New("advisory action already undone")
)

// Action describes an advisory execution to record.
type Action struct {
	Subject    string
	CycleID    string
	Capability string
	Window     time.Duration
	Args       []any
	Result     any
}

// Entry is a recorded advisory execution.
type Entry struct {
	ID           uuid.UUID  `json:"id"`
	Subject      string     `json:"subject"`
	CycleID      string     `json:"cycle_id,omitempty"`
	Capability   string     `json:"capability"`
	Args         []any      `json:"args,omitempty"`
	Result       any        `json:"result,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UndoDeadline time.Time  `json:"undo_deadline"`
	UndoneAt     *time.Time `json:"undone_at,omitempty"`
}

// Undoable reports whether the entry can still be reverted at now.
func (e *Entry) Undoable(now time.Time) bool {
	return e.UndoneAt == nil && now.Before(e.UndoDeadline)
}

// Ledger records advisory executions in the operational state store.
type Ledger struct {
	state    *opstate.Store
	registry *capability.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a ledger. The registry resolves Revert functions
// at undo time.
func NewLedger(state *opstate.Store, registry *capability.Registry, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		state:    state,
		registry: registry,
		logger:   logger.With("component", "advisory"),
		now:      time.Now,
	}
}

// Record stores an executed advisory action with its undo deadline.
func (l *Ledger) Record(ctx context.Context, a Action) (*Entry, error) {
	if a.Window <= 0 {
		return nil, fmt.Errorf("record %s: reversal window must be positive", a.Capability)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	now := l.now().UTC()
	e := &Entry{
		ID:           id,
		Subject:      a.Subject,
		CycleID:      a.CycleID,
		Capability:   a.Capability,
		Args:         a.Args,
		Result:       a.Result,
		CreatedAt:    now,
		UndoDeadline: now.Add(a.Window),
	}
	if err := l.state.SetJSON(ctx, namespace, id.String(), e); err != nil {
		return nil, fmt.Errorf("record %s: %w", a.Capability, err)
	}

	l.logger.Info("advisory action recorded",
		"entry_id", id,
		"subject", a.Subject,
		"capability", a.Capability,
		"undo_deadline", e.UndoDeadline.Format(time.RFC3339),
	)
	return e, nil
}

// Get returns a single entry.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var e Entry
	ok, err := l.state.GetJSON(ctx, namespace, id.String(), &e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return &e, nil
}

// Undo reverts an advisory action while its window is open.
func (l *Ledger) Undo(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UndoneAt != nil {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyUndone)
	}
	now := l.now().UTC()
	if !e.Undoable(now) {
		return nil, fmt.Errorf("%s closed at %s: %w", id, e.UndoDeadline.Format(time.RFC3339), ErrWindowClosed)
	}

	d, ok := l.registry.Lookup(e.Capability)
	if !ok || d.Revert == nil {
		return nil, fmt.Errorf("undo %s: capability %q has no revert", id, e.Capability)
	}

	if err := d.Revert(ctx, capability.Reversal{Subject: e.Subject, Args: e.Args, Result: e.Result}); err != nil {
		return nil, fmt.Errorf("undo %s: %w", e.Capability, err)
	}

	e.UndoneAt = &now
	if err := l.state.SetJSON(ctx, namespace, id.String(), e); err != nil {
		return nil, fmt.Errorf("mark undone: %w", err)
	}

	l.logger.Info("advisory action undone",
		"entry_id", id,
		"subject", e.Subject,
		"capability", e.Capability,
	)
	return e, nil
}

// List returns a subject's entries, newest first. An empty subject
// returns every entry.
func (l *Ledger) List(ctx context.Context, subject string) ([]Entry, error) {
	raw, err := l.state.List(ctx, namespace)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(raw))
	for key, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			l.logger.Warn("skipping corrupt advisory entry", "entry_id", key, "error", err)
			continue
		}
		if subject != "" && e.Subject != subject {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
