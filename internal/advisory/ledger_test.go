package advisory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/database"
	"github.com/nugget/prism/internal/opstate"
)

type fixture struct {
	ledger   *Ledger
	reverted []capability.Reversal
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "advisory.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	state, err := opstate.NewStore(db)
	if err != nil {
		t.Fatalf("opstate.NewStore: %v", err)
	}

	f := &fixture{clock: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	reg := capability.NewRegistry()
	reg.MustRegister(capability.Descriptor{
		Name:           "auto_tag_transaction",
		Tier:           capability.TierAdvisory,
		Handler:        func(context.Context, capability.Invocation) (any, error) { return nil, nil },
		ReversalWindow: 24 * time.Hour,
		Revert: func(_ context.Context, r capability.Reversal) error {
			f.reverted = append(f.reverted, r)
			return nil
		},
	})

	f.ledger = NewLedger(state, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.ledger.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) record(t *testing.T, subject string) *Entry {
	t.Helper()
	e, err := f.ledger.Record(context.Background(), Action{
		Subject:    subject,
		Capability: "auto_tag_transaction",
		Window:     24 * time.Hour,
		Args:       []any{subject, "tx-1", "travel"},
		Result:     map[string]any{"previous": ""},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return e
}

func TestRecordAndUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.record(t, "tenant-1")
	if got, want := e.UndoDeadline, f.clock.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("UndoDeadline = %v, want %v", got, want)
	}

	f.clock = f.clock.Add(23 * time.Hour)
	undone, err := f.ledger.Undo(ctx, e.ID)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if undone.UndoneAt == nil {
		t.Error("UndoneAt not set")
	}
	if len(f.reverted) != 1 || f.reverted[0].Subject != "tenant-1" {
		t.Fatalf("reverted = %+v", f.reverted)
	}
	if f.reverted[0].Args[1] != "tx-1" {
		t.Errorf("revert args = %v", f.reverted[0].Args)
	}

	if _, err := f.ledger.Undo(ctx, e.ID); !errors.Is(err, ErrAlreadyUndone) {
		t.Errorf("second Undo error = %v, want ErrAlreadyUndone", err)
	}
}

func TestUndo_WindowClosed(t *testing.T) {
	f := newFixture(t)

	e := f.record(t, "tenant-1")
	f.clock = f.clock.Add(25 * time.Hour)

	if _, err := f.ledger.Undo(context.Background(), e.ID); !errors.Is(err, ErrWindowClosed) {
		t.Errorf("Undo error = %v, want ErrWindowClosed", err)
	}
	if len(f.reverted) != 0 {
		t.Error("Revert ran after the window closed")
	}
}

func TestUndo_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.Undo(context.Background(), uuid.Must(uuid.NewV7())); !errors.Is(err, ErrNotFound) {
		t.Errorf("Undo error = %v, want ErrNotFound", err)
	}
}

func TestRecord_RequiresWindow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.Record(context.Background(), Action{Subject: "s", Capability: "auto_tag_transaction"}); err == nil {
		t.Error("Record without window should error")
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, "tenant-1")
	f.clock = f.clock.Add(time.Minute)
	newest := f.record(t, "tenant-1")
	f.record(t, "tenant-2")

	got, err := f.ledger.List(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(got))
	}
	if got[0].ID != newest.ID {
		t.Errorf("List()[0] = %s, want newest %s", got[0].ID, newest.ID)
	}

	all, err := f.ledger.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) = %d entries, want 3", len(all))
	}
}
