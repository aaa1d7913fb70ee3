package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed width so timestamps order correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store handles snapshot persistence.
type Store struct {
	db *sql.DB

	// now is swapped in tests.
	now func() time.Time
}

// NewStore creates a snapshot store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id              TEXT PRIMARY KEY,
			subject         TEXT NOT NULL,
			cycle_id        TEXT NOT NULL,
			checkpoint      BLOB NOT NULL,
			byte_size       INTEGER NOT NULL,
			pending_name    TEXT NOT NULL,
			pending_args    TEXT NOT NULL,
			tier            INTEGER NOT NULL,
			secure_handover INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			resolution      TEXT,
			description     TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			resumed_at      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_subject_status
			ON snapshots(subject, status, created_at DESC);
	`)
	return err
}

const metaColumns = `id, subject, cycle_id, byte_size, pending_name, pending_args, tier,
	secure_handover, status, resolution, description, created_at, updated_at, resumed_at`

// Save inserts a new pending snapshot and returns its id. It never
// updates an existing row.
func (s *Store) Save(ctx context.Context, rec Record) (uuid.UUID, error) {
	if rec.Subject == "" || rec.PendingName == "" {
		return uuid.Nil, fmt.Errorf("subject and pending name are required")
	}
	if len(rec.Checkpoint) == 0 {
		return uuid.Nil, fmt.Errorf("checkpoint is empty")
	}

	args, err := json.Marshal(rec.PendingArgs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal pending args: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	now := s.now().UTC().Format(timeFormat)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, subject, cycle_id, checkpoint, byte_size, pending_name, pending_args,
			tier, secure_handover, status, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), rec.Subject, rec.CycleID, rec.Checkpoint, len(rec.Checkpoint), rec.PendingName,
		string(args), rec.Tier, boolInt(rec.SecureHandover), StatusPending, rec.Description, now, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert: %w", err)
	}
	return id, nil
}

// Load retrieves a snapshot including its checkpoint.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	return loadFull(ctx, s.db, id)
}

// MarkResumed moves a snapshot from pending_approval to resumed. A
// second call returns ErrAlreadyResumed.
func (s *Store) MarkResumed(ctx context.Context, id uuid.UUID, res Resolution) error {
	return markResumed(ctx, s.db, id, res, s.now())
}

// Claim atomically marks a pending snapshot resumed and runs fn on the
// loaded snapshot inside the same transaction. If fn fails the mark is
// rolled back and the snapshot stays pending, so the resume can be
// retried. fn must not use the store's database: with a single
// connection it would deadlock against the open transaction.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, res Resolution, fn func(*Snapshot) error) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := markResumed(ctx, tx, id, res, s.now()); err != nil {
		return nil, err
	}

	snap, err := loadFull(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(snap); err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}

// ListPending returns a subject's snapshots still awaiting approval,
// oldest first. Checkpoints are not loaded.
func (s *Store) ListPending(ctx context.Context, subject string) ([]*Snapshot, error) {
	return s.List(ctx, subject, StatusPending, 0)
}

// List returns a subject's snapshots, newest first, optionally filtered
// by status. An empty subject matches all subjects; limit <= 0 means
// no limit. ListPending orders oldest first instead, since approval
// queues are worked in arrival order.
func (s *Store) List(ctx context.Context, subject string, status Status, limit int) ([]*Snapshot, error) {
	query := `SELECT ` + metaColumns + ` FROM snapshots WHERE 1 = 1`
	var args []any
	if subject != "" {
		query += ` AND subject = ?`
		args = append(args, subject)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if status == StatusPending {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func markResumed(ctx context.Context, q querier, id uuid.UUID, res Resolution, at time.Time) error {
	if res == "" {
		res = ResolutionApproved
	}
	now := at.UTC().Format(timeFormat)

	result, err := q.ExecContext(ctx, `
		UPDATE snapshots SET status = ?, resolution = ?, resumed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusResumed, res, now, now, id.String(), StatusPending)
	if err != nil {
		return fmt.Errorf("mark resumed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM snapshots WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}
	return fmt.Errorf("%s: %w", id, ErrAlreadyResumed)
}

func loadFull(ctx context.Context, q querier, id uuid.UUID) (*Snapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+metaColumns+`, checkpoint FROM snapshots WHERE id = ?`, id.String())

	var snap Snapshot
	var f metaFields
	err := row.Scan(append(f.dest(&snap), &snap.Checkpoint)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := f.apply(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func scanMeta(rows *sql.Rows) (*Snapshot, error) {
	var snap Snapshot
	var f metaFields
	if err := rows.Scan(f.dest(&snap)...); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := f.apply(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// metaFields holds the columns that need conversion after Scan.
type metaFields struct {
	id, args, status, created, updated string
	secure                             int
	resolution, resumed                sql.NullString
}

func (f *metaFields) dest(s *Snapshot) []any {
	return []any{&f.id, &s.Subject, &s.CycleID, &s.ByteSize, &s.PendingName, &f.args, &s.Tier,
		&f.secure, &f.status, &f.resolution, &s.Description, &f.created, &f.updated, &f.resumed}
}

func (f *metaFields) apply(s *Snapshot) error {
	s.ID, _ = uuid.Parse(f.id)
	if err := json.Unmarshal([]byte(f.args), &s.PendingArgs); err != nil {
		return fmt.Errorf("unmarshal pending args: %w", err)
	}
	s.SecureHandover = f.secure != 0
	s.Status = Status(f.status)
	if f.resolution.Valid {
		s.Resolution = Resolution(f.resolution.String)
	}
	s.CreatedAt = parseTime(f.created)
	s.UpdatedAt = parseTime(f.updated)
	if f.resumed.Valid {
		t := parseTime(f.resumed.String)
		s.ResumedAt = &t
	}
	return nil
}

// parseTime also accepts the second-resolution RFC 3339 rows written
// before timestamps were fixed width.
func parseTime(v string) time.Time {
	if t, err := time.Parse(timeFormat, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, v)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
