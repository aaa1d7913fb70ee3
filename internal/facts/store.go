// Package facts provides long-term memory for beliefs about a subject.
//
// Facts form a supersession ledger: writing a fact for a (subject,
// layer, entity) tuple inserts a new row and then marks the previously
// active row superseded, linking it forward to the replacement. The two
// steps are not atomic, so readers tolerate a tuple that briefly has
// two active rows by preferring the most recently created one, and
// [Store.Repair] collapses any duplicates that survive a crash.
package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a fact id does not exist.
var ErrNotFound = errors.New("fact not found")

// timeFormat is fixed width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Layer groups facts by how long they stay relevant.
type Layer string

const (
	LayerProject  Layer = "project"  // Active work with a deadline
	LayerArea     Layer = "area"     // Ongoing responsibilities
	LayerResource Layer = "resource" // Reference material
	LayerArchive  Layer = "archive"  // Inactive, kept for history
)

// Layers lists the valid layers in display order.
var Layers = []Layer{LayerProject, LayerArea, LayerResource, LayerArchive}

// ParseLayer validates a layer name.
func ParseLayer(s string) (Layer, error) {
	for _, l := range Layers {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("invalid layer %q (valid: project, area, resource, archive)", s)
}

// Fact is a durable belief about a subject.
type Fact struct {
	ID           uuid.UUID       `json:"id"`
	Subject      string          `json:"subject"`
	Layer        Layer           `json:"layer"`
	EntityName   string          `json:"entity_name"`
	Content      json.RawMessage `json:"content"`
	Confidence   float64         `json:"confidence"`
	Superseded   bool            `json:"superseded"`
	SupersededBy *uuid.UUID      `json:"superseded_by,omitempty"`
	Source       string          `json:"source,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store manages fact persistence.
type Store struct {
	db *sql.DB

	// now is swapped in tests to force ordering.
	now func() time.Time
}

// NewStore creates a fact store using an existing database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id            TEXT PRIMARY KEY,
			subject       TEXT NOT NULL,
			layer         TEXT NOT NULL,
			entity_name   TEXT NOT NULL,
			content       TEXT NOT NULL,
			confidence    REAL NOT NULL DEFAULT 1.0,
			superseded    INTEGER NOT NULL DEFAULT 0,
			superseded_by TEXT,
			source        TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_facts_active
			ON facts(subject, superseded, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_facts_tuple
			ON facts(subject, layer, entity_name);
	`)
	return err
}

const factColumns = `id, subject, layer, entity_name, content, confidence,
	superseded, superseded_by, source, created_at`

// StoreFact records f as the active fact for its tuple and returns the
// new id. Any previously active rows for the same tuple are marked
// superseded by the new row.
func (s *Store) StoreFact(ctx context.Context, f Fact) (uuid.UUID, error) {
	if f.Subject == "" || f.EntityName == "" {
		return uuid.Nil, fmt.Errorf("subject and entity name are required")
	}
	if _, err := ParseLayer(string(f.Layer)); err != nil {
		return uuid.Nil, err
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return uuid.Nil, fmt.Errorf("confidence %v out of range [0,1]", f.Confidence)
	}
	if len(f.Content) == 0 {
		f.Content = json.RawMessage("null")
	}
	if !json.Valid(f.Content) {
		return uuid.Nil, fmt.Errorf("content is not valid JSON")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	now := s.now().UTC()

	// Step 1: insert the new active row.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facts (id, subject, layer, entity_name, content, confidence, superseded, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id.String(), f.Subject, f.Layer, f.EntityName, string(f.Content), f.Confidence,
		nullString(f.Source), now.Format(timeFormat))
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert fact: %w", err)
	}

	// Step 2: retire whatever was active before it. Rows written after
	// this one are left alone, so a late step 2 never buries a newer
	// write. Ids are v7 and break created_at ties in write order.
	created := now.Format(timeFormat)
	_, err = s.db.ExecContext(ctx, `
		UPDATE facts SET superseded = 1, superseded_by = ?
		WHERE subject = ? AND layer = ? AND entity_name = ?
		  AND superseded = 0 AND id != ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
	`, id.String(), f.Subject, f.Layer, f.EntityName, id.String(), created, created, id.String())
	if err != nil {
		return id, fmt.Errorf("supersede prior facts: %w", err)
	}

	return id, nil
}

// GetActiveFacts returns the subject's active facts, newest first. An
// empty layer matches every layer; limit <= 0 means no limit. When a
// tuple has more than one active row only the newest is returned.
func (s *Store) GetActiveFacts(ctx context.Context, subject string, layer Layer, limit int) ([]Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts WHERE subject = ? AND superseded = 0`
	args := []any{subject}
	if layer != "" {
		query += ` AND layer = ?`
		args = append(args, layer)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active facts: %w", err)
	}
	defer rows.Close()

	type tuple struct {
		layer  Layer
		entity string
	}
	seen := make(map[tuple]bool)

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		k := tuple{f.Layer, f.EntityName}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, *f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Get returns a single fact by id, active or not.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query fact: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return scanFact(rows)
}

// History returns every row ever written for a tuple, newest first.
func (s *Store) History(ctx context.Context, subject string, layer Layer, entity string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE subject = ? AND layer = ? AND entity_name = ?
		ORDER BY created_at DESC, id DESC
	`, subject, layer, entity)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Revert retracts the fact with the given id and reactivates the row it
// superseded, if any. Reverting a fact that is no longer active is an
// error because a newer write has already replaced it.
func (s *Store) Revert(ctx context.Context, id uuid.UUID) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if f.Superseded {
		return fmt.Errorf("fact %s is no longer active", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET superseded = 1, superseded_by = NULL WHERE id = ?`, id.String(),
	); err != nil {
		return fmt.Errorf("retract fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET superseded = 0, superseded_by = NULL WHERE superseded_by = ?`, id.String(),
	); err != nil {
		return fmt.Errorf("reactivate prior fact: %w", err)
	}
	return tx.Commit()
}

// Repair finds tuples with more than one active row, keeps the newest
// and supersedes the rest. It returns the number of rows retired.
func (s *Store) Repair(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, layer, entity_name FROM facts
		WHERE superseded = 0
		GROUP BY subject, layer, entity_name
		HAVING COUNT(*) > 1
	`)
	if err != nil {
		return 0, fmt.Errorf("find duplicates: %w", err)
	}

	type tuple struct {
		subject, layer, entity string
	}
	var dups []tuple
	for rows.Next() {
		var t tuple
		if err := rows.Scan(&t.subject, &t.layer, &t.entity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan duplicate: %w", err)
		}
		dups = append(dups, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	retired := 0
	for _, t := range dups {
		var keep string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM facts
			WHERE subject = ? AND layer = ? AND entity_name = ? AND superseded = 0
			ORDER BY created_at DESC, id DESC LIMIT 1
		`, t.subject, t.layer, t.entity).Scan(&keep)
		if err != nil {
			return retired, fmt.Errorf("find newest for %s/%s/%s: %w", t.subject, t.layer, t.entity, err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE facts SET superseded = 1, superseded_by = ?
			WHERE subject = ? AND layer = ? AND entity_name = ? AND superseded = 0 AND id != ?
		`, keep, t.subject, t.layer, t.entity, keep)
		if err != nil {
			return retired, fmt.Errorf("retire duplicates: %w", err)
		}
		n, _ := res.RowsAffected()
		retired += int(n)
	}
	return retired, nil
}

func scanFact(rows *sql.Rows) (*Fact, error) {
	var f Fact
	var idStr, layer, content, created string
	var superseded int
	var supersededBy, source sql.NullString

	err := rows.Scan(&idStr, &f.Subject, &layer, &f.EntityName, &content, &f.Confidence,
		&superseded, &supersededBy, &source, &created)
	if err != nil {
		return nil, fmt.Errorf("scan fact: %w", err)
	}

	f.ID, _ = uuid.Parse(idStr)
	f.Layer = Layer(layer)
	f.Content = json.RawMessage(content)
	f.Superseded = superseded != 0
	if supersededBy.Valid && supersededBy.String != "" {
		if next, err := uuid.Parse(supersededBy.String); err == nil {
			f.SupersededBy = &next
		}
	}
	if source.Valid {
		f.Source = source.String
	}
	f.CreatedAt, _ = time.Parse(timeFormat, created)
	return &f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
