// Package usage records token usage and cost for model calls. Records
// are append-only and attributed to the subject and cycle that caused
// them, so per-taxpayer spend can be reported.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/config"
)

// Purposes distinguish why the model was called.
const (
	PurposeProgram   = "program"   // program generation for a cycle
	PurposeAuxiliary = "auxiliary" // calls made by capability handlers
)

// tsLayout is fixed width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one model call's token usage and cost.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Subject      string    `json:"subject"`
	CycleID      string    `json:"cycle_id,omitempty"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model"`
	Purpose      string    `json:"purpose"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store is the SQLite-backed usage log.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store on db, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		subject       TEXT NOT NULL,
		cycle_id      TEXT,
		tier          TEXT NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_subject_time ON usage_records(subject, timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_cycle ON usage_records(cycle_id);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, subject, cycle_id, tier, model, purpose, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsLayout),
		rec.Subject,
		rec.CycleID,
		rec.Tier,
		rec.Model,
		rec.Purpose,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for subject within [start, end). An empty
// subject covers everyone.
func (s *Store) Summary(ctx context.Context, subject string, start, end time.Time) (*Summary, error) {
	where, args := window(subject, start, end)
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE `+where, args...)

	var sum Summary
	if err := row.Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel is [Store.Summary] grouped by model.
func (s *Store) SummaryByModel(ctx context.Context, subject string, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "model", subject, start, end)
}

// SummaryByCycle is [Store.Summary] grouped by cycle id.
func (s *Store) SummaryByCycle(ctx context.Context, subject string, start, end time.Time) (map[string]*Summary, error) {
	return s.grouped(ctx, "cycle_id", subject, start, end)
}

func (s *Store) grouped(ctx context.Context, column, subject string, start, end time.Time) (map[string]*Summary, error) {
	where, args := window(subject, start, end)
	// column is one of our own constants, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE %s GROUP BY %s`,
		column, where, column,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

func window(subject string, start, end time.Time) (string, []any) {
	where := "timestamp >= ? AND timestamp < ?"
	args := []any{start.UTC().Format(tsLayout), end.UTC().Format(tsLayout)}
	if subject != "" {
		where += " AND subject = ?"
		args = append(args, subject)
	}
	return where, args
}

// ComputeCost prices a call from the pricing table. Models not in the
// table (local models) are free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
