// Package finance is the tax capability catalogue and the bookkeeping
// state it reads and writes.
//
// Transactions, optimization hints and project drafts live in the
// operational state store, keyed by subject. Year-to-date totals are
// computed from the current year's transactions on every call.
package finance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/facts"
	"github.com/nugget/prism/internal/opstate"
)

// opstate namespaces.
const (
	nsTransactions = "finance_transactions"
	nsHints        = "finance_hints"
	nsProjects     = "finance_projects"
)

// Categories with special meaning in year-to-date totals.
const (
	CategoryVATPayment = "vat_payment"
	CategoryPITPayment = "pit_payment"
)

var (
	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrSubjectMismatch is returned when a call acts for a subject
	// other than the cycle's.
	ErrSubjectMismatch = errors.New("user_id does not match the cycle subject")
)

// Transaction is one booked movement of money. Positive amounts are
// income, negative amounts are spending.
type Transaction struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tag         string    `json:"tag,omitempty"`
}

// YTD is the year-to-date summary served by calculate_ytd.
type YTD struct {
	Year     int     `json:"year"`
	Revenue  float64 `json:"revenue"`
	Expenses float64 `json:"expenses"`
	VATPaid  float64 `json:"vat_paid"`
	PITPaid  float64 `json:"pit_paid"`
}

// Hint is an optimization suggestion left for the taxpayer.
type Hint struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	Type      string         `json:"hint_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProjectDraft is a planned project awaiting the taxpayer's follow-up.
type ProjectDraft struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	Name             string    `json:"project_name"`
	EstimatedRevenue float64   `json:"estimated_revenue"`
	FactID           string    `json:"fact_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Books is the per-subject bookkeeping state behind the catalogue.
type Books struct {
	state      *opstate.Store
	facts      *facts.Store
	thresholds config.FinanceConfig
	law        LawAnswerer
	logger     *slog.Logger
	now        func() time.Time
}

// NewBooks creates the bookkeeping store. law may be nil, in which case
// query_tax_law fails with a capability error.
func NewBooks(state *opstate.Store, factStore *facts.Store, thresholds config.FinanceConfig, law LawAnswerer, logger *slog.Logger) *Books {
	if logger == nil {
		logger = slog.Default()
	}
	return &Books{
		state:      state,
		facts:      factStore,
		thresholds: thresholds,
		law:        law,
		logger:     logger.With("component", "finance"),
		now:        time.Now,
	}
}

func txKey(subject, id string) string {
	return subject + "/" + id
}

// AddTransaction books a transaction, replacing any with the same id.
func (b *Books) AddTransaction(ctx context.Context, tx Transaction) error {
	tx.ID = strings.TrimSpace(tx.ID)
	if tx.Subject == "" || tx.ID == "" {
		return fmt.Errorf("subject and transaction id are required")
	}
	if tx.Date.IsZero() {
		tx.Date = b.now().UTC()
	}
	if err := b.state.SetJSON(ctx, nsTransactions, txKey(tx.Subject, tx.ID), tx); err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Transaction returns one of subject's transactions.
func (b *Books) Transaction(ctx context.Context, subject, id string) (*Transaction, error) {
	var tx Transaction
	ok, err := b.state.GetJSON(ctx, nsTransactions, txKey(subject, id), &tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrTransactionNotFound)
	}
	return &tx, nil
}

// Transactions returns subject's transactions, oldest first.
func (b *Books) Transactions(ctx context.Context, subject string) ([]Transaction, error) {
	all, err := b.state.List(ctx, nsTransactions)
	if err != nil {
		return nil, err
	}
	prefix := subject + "/"
	var out []Transaction
	for key, raw := range all {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var tx Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("decode transaction %s: %w", key, err)
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// YTD sums the current calendar year's transactions.
func (b *Books) YTD(ctx context.Context, subject string) (*YTD, error) {
	txs, err := b.Transactions(ctx, subject)
	if err != nil {
		return nil, err
	}
	year := b.now().UTC().Year()
	ytd := &YTD{Year: year}
	for _, tx := range txs {
		if tx.Date.UTC().Year() != year {
			continue
		}
		switch {
		case tx.Category == CategoryVATPayment:
			ytd.VATPaid += -tx.Amount
		case tx.Category == CategoryPITPayment:
			ytd.PITPaid += -tx.Amount
		case tx.Amount >= 0:
			ytd.Revenue += tx.Amount
		default:
			ytd.Expenses += -tx.Amount
		}
	}
	return ytd, nil
}

// setTag replaces a transaction's tag and returns the previous one.
func (b *Books) setTag(ctx context.Context, subject, id, tag string) (string, error) {
	tx, err := b.Transaction(ctx, subject, id)
	if err != nil {
		return "", err
	}
	prev := tx.Tag
	tx.Tag = tag
	return prev, b.AddTransaction(ctx, *tx)
}

// setCategory replaces a transaction's category and returns the
// previous one.
func (b *Books) setCategory(ctx context.Context, subject, id, category string) (string, error) {
	tx, err := b.Transaction(ctx, subject, id)
	if err != nil {
		return "", err
	}
	prev := tx.Category
	tx.Category = category
	return prev, b.AddTransaction(ctx, *tx)
}

// Hints returns subject's optimization hints, newest first.
func (b *Books) Hints(ctx context.Context, subject string) ([]Hint, error) {
	all, err := b.state.List(ctx, nsHints)
	if err != nil {
		return nil, err
	}
	var out []Hint
	for key, raw := range all {
		var h Hint
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("decode hint %s: %w", key, err)
		}
		if h.Subject == subject {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (b *Books) addHint(ctx context.Context, subject, hintType string, details map[string]any) (*Hint, error) {
	h := &Hint{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Subject:   subject,
		Type:      hintType,
		Details:   details,
		CreatedAt: b.now().UTC(),
	}
	if err := b.state.SetJSON(ctx, nsHints, h.ID, h); err != nil {
		return nil, fmt.Errorf("save hint: %w", err)
	}
	return h, nil
}

// Projects returns subject's project drafts, newest first.
func (b *Books) Projects(ctx context.Context, subject string) ([]ProjectDraft, error) {
	all, err := b.state.List(ctx, nsProjects)
	if err != nil {
		return nil, err
	}
	var out []ProjectDraft
	for key, raw := range all {
		var p ProjectDraft
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", key, err)
		}
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// addProject saves a draft and records it as a project-layer fact so
// later cycles see it in their context.
func (b *Books) addProject(ctx context.Context, subject, name string, revenue float64) (*ProjectDraft, error) {
	p := &ProjectDraft{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Subject:          subject,
		Name:             name,
		EstimatedRevenue: revenue,
		CreatedAt:        b.now().UTC(),
	}

	content, err := json.Marshal(map[string]any{
		"status":            "draft",
		"estimated_revenue": revenue,
		"project_id":        p.ID,
	})
	if err != nil {
		return nil, err
	}
	factID, err := b.facts.StoreFact(ctx, facts.Fact{
		Subject:    subject,
		Layer:      facts.LayerProject,
		EntityName: name,
		Content:    content,
		Confidence: 1,
		Source:     "create_project_draft",
	})
	if err != nil {
		b.logger.Warn("project fact not stored", "subject", subject, "project", name, "error", err)
	} else {
		p.FactID = factID.String()
	}

	if err := b.state.SetJSON(ctx, nsProjects, p.ID, p); err != nil {
		return nil, fmt.Errorf("save project draft: %w", err)
	}
	return p, nil
}
