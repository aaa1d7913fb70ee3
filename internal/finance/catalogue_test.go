package finance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/database"
	"github.com/nugget/prism/internal/facts"
	"github.com/nugget/prism/internal/opstate"
)

const subject = "tenant-1"

type fakeLaw struct {
	answer string
	asked  []string
}

func (f *fakeLaw) Answer(_ context.Context, q string) (string, error) {
	f.asked = append(f.asked, q)
	return f.answer, nil
}

type fixture struct {
	books *Books
	facts *facts.Store
	reg   *capability.Registry
	law   *fakeLaw
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "finance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	state, err := opstate.NewStore(db)
	require.NoError(t, err)
	fs, err := facts.NewStore(db)
	require.NoError(t, err)

	f := &fixture{facts: fs, law: &fakeLaw{answer: "Yes, under the home office rule."}}
	f.books = NewBooks(state, fs, config.FinanceConfig{
		VATThreshold:         25_000_000,
		PITThreshold:         800_000,
		WithholdingThreshold: 100_000,
	}, f.law, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.books.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	f.reg = capability.NewRegistry()
	require.NoError(t, f.books.Register(f.reg))
	return f
}

func (f *fixture) invoke(t *testing.T, name string, args ...any) capability.Outcome {
	t.Helper()
	d, ok := f.reg.Lookup(name)
	require.True(t, ok, "%s not registered", name)
	resolved, _, err := capability.Resolve(d, args, nil)
	require.NoError(t, err)
	return capability.Invoke(context.Background(), d, capability.Invocation{
		Subject: subject, CycleID: "cycle-1", Args: resolved,
	})
}

func (f *fixture) approve(t *testing.T, name string, args ...any) capability.Outcome {
	t.Helper()
	d, ok := f.reg.Lookup(name)
	require.True(t, ok)
	resolved, _, err := capability.Resolve(d, args, nil)
	require.NoError(t, err)
	out, ran := capability.InvokeApproved(context.Background(), d, capability.Invocation{
		Subject: subject, CycleID: "cycle-1", Args: resolved,
	})
	require.True(t, ran, "%s has no approved action", name)
	return out
}

// revert runs the descriptor's Revert with the result as the ledger
// stores it: after a JSON round trip.
func (f *fixture) revert(t *testing.T, name string, result any) error {
	t.Helper()
	d, ok := f.reg.Lookup(name)
	require.True(t, ok)
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return d.Revert(context.Background(), capability.Reversal{Subject: subject, Result: decoded})
}

func returned(t *testing.T, out capability.Outcome) any {
	t.Helper()
	r, ok := out.(capability.Returned)
	require.True(t, ok, "outcome = %#v", out)
	return r.Value
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 9, 0, 0, 0, time.UTC) }
	for _, tx := range []Transaction{
		{ID: "tx-1", Subject: subject, Date: day(2026, 1, 10), Amount: 1000, Description: "invoice 17"},
		{ID: "tx-2", Subject: subject, Date: day(2026, 2, 1), Amount: -200, Description: "hotel", Category: "uncategorized"},
		{ID: "tx-3", Subject: subject, Date: day(2026, 2, 20), Amount: -50, Category: CategoryVATPayment},
		{ID: "tx-4", Subject: subject, Date: day(2026, 3, 1), Amount: -30, Category: CategoryPITPayment},
		{ID: "tx-old", Subject: subject, Date: day(2025, 12, 30), Amount: 999},
		{ID: "tx-other", Subject: "tenant-2", Date: day(2026, 1, 5), Amount: 5000},
	} {
		require.NoError(t, f.books.AddTransaction(ctx, tx))
	}
}

func TestRegister_Catalogue(t *testing.T) {
	f := newFixture(t)

	assert.Len(t, f.reg.Names(), 11)

	for name, want := range map[string]struct {
		tier   capability.Tier
		secure bool
	}{
		"calculate_ytd":          {capability.TierObservational, false},
		"auto_tag_transaction":   {capability.TierAdvisory, false},
		"reclassify_transaction": {capability.TierActive, false},
		"create_project_draft":   {capability.TierActive, false},
		"submit_tax_return":      {capability.TierCritical, true},
		"file_vat_registration":  {capability.TierCritical, true},
	} {
		d, ok := f.reg.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, want.tier, d.Tier, name)
		assert.Equal(t, want.secure, d.SecureHandover, name)
	}
}

func TestCalculateYTD(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	got := returned(t, f.invoke(t, "calculate_ytd", subject))
	assert.Equal(t, &YTD{Year: 2026, Revenue: 1000, Expenses: 200, VATPaid: 50, PITPaid: 30}, got)
}

func TestSubjectMismatch(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	calls := []struct {
		name string
		args []any
	}{
		{"calculate_ytd", []any{"tenant-2"}},
		{"get_thresholds", []any{"tenant-2"}},
		{"get_active_facts", []any{"tenant-2"}},
		{"store_atomic_fact", []any{"tenant-2", "area", "vat_status", "registered"}},
		{"create_optimization_hint", []any{"tenant-2", "vat", map[string]any{}}},
		{"auto_tag_transaction", []any{"tenant-2", "tx-other", "travel"}},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			out := f.invoke(t, c.name, c.args...)
			failed, ok := out.(capability.Failed)
			require.True(t, ok, "outcome = %#v", out)
			assert.True(t, errors.Is(failed.Err, ErrSubjectMismatch), "err = %v", failed.Err)
		})
	}
}

func TestGetThresholds(t *testing.T) {
	f := newFixture(t)
	got := returned(t, f.invoke(t, "get_thresholds", subject))
	assert.Equal(t, map[string]any{
		"vat_threshold":         25_000_000.0,
		"pit_threshold":         800_000.0,
		"withholding_threshold": 100_000.0,
	}, got)
}

func TestQueryTaxLaw(t *testing.T) {
	f := newFixture(t)
	got := returned(t, f.invoke(t, "query_tax_law", "Is my home office deductible?"))
	assert.Equal(t, "Yes, under the home office rule.", got)
	assert.Equal(t, []string{"Is my home office deductible?"}, f.law.asked)

	f.books.law = nil
	out := f.invoke(t, "query_tax_law", "anything")
	_, failed := out.(capability.Failed)
	assert.True(t, failed)
}

func TestStoreAtomicFact_Revert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := returned(t, f.invoke(t, "store_atomic_fact", subject, "area", "vat_status", "exempt"))
	second := returned(t, f.invoke(t, "store_atomic_fact", subject, "area", "vat_status", "registered", 0.8))

	active, err := f.facts.GetActiveFacts(ctx, subject, facts.LayerArea, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.JSONEq(t, `"registered"`, string(active[0].Content))
	assert.InDelta(t, 0.8, active[0].Confidence, 1e-9)
	assert.Equal(t, "cycle:cycle-1", active[0].Source)

	require.NoError(t, f.revert(t, "store_atomic_fact", second))

	active, err = f.facts.GetActiveFacts(ctx, subject, facts.LayerArea, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.(map[string]any)["fact_id"], active[0].ID.String())
}

func TestGetActiveFacts(t *testing.T) {
	f := newFixture(t)
	returned(t, f.invoke(t, "store_atomic_fact", subject, "area", "vat_status", "registered"))
	returned(t, f.invoke(t, "store_atomic_fact", subject, "project", "website", map[string]any{"budget": 3000}))

	all := returned(t, f.invoke(t, "get_active_facts", subject))
	assert.Len(t, all, 2)

	projects := returned(t, f.invoke(t, "get_active_facts", subject, "project"))
	require.Len(t, projects, 1)
	assert.Equal(t, "website", projects.([]map[string]any)[0]["entity_name"])

	out := f.invoke(t, "get_active_facts", subject, "someday")
	_, failed := out.(capability.Failed)
	assert.True(t, failed, "invalid layer should fail")
}

func TestOptimizationHint_Revert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := returned(t, f.invoke(t, "create_optimization_hint", subject, "home_office", map[string]any{"saving": 420}))
	hints, err := f.books.Hints(ctx, subject)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "home_office", hints[0].Type)

	require.NoError(t, f.revert(t, "create_optimization_hint", res))
	hints, err = f.books.Hints(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, hints)
}

func TestAutoTag_Revert(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	res := returned(t, f.invoke(t, "auto_tag_transaction", subject, "tx-2", "travel"))
	tx, err := f.books.Transaction(ctx, subject, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, "travel", tx.Tag)

	require.NoError(t, f.revert(t, "auto_tag_transaction", res))
	tx, err = f.books.Transaction(ctx, subject, "tx-2")
	require.NoError(t, err)
	assert.Empty(t, tx.Tag)
}

func TestAutoTag_RevertAfterRetag(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	res := returned(t, f.invoke(t, "auto_tag_transaction", subject, "tx-2", "travel"))
	returned(t, f.invoke(t, "auto_tag_transaction", subject, "tx-2", "meals"))

	err := f.revert(t, "auto_tag_transaction", res)
	assert.ErrorContains(t, err, "retagged")
}

func TestAutoTag_UnknownTransaction(t *testing.T) {
	f := newFixture(t)
	out := f.invoke(t, "auto_tag_transaction", subject, "tx-missing", "travel")
	failed, ok := out.(capability.Failed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, ErrTransactionNotFound)
}

func TestReclassify_GatedThenApproved(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	out := f.invoke(t, "reclassify_transaction", subject, "tx-2", "travel")
	_, gated := out.(capability.NeedsApproval)
	require.True(t, gated, "outcome = %#v", out)

	tx, err := f.books.Transaction(ctx, subject, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, "uncategorized", tx.Category, "gated call must not change the books")

	res := returned(t, f.approve(t, "reclassify_transaction", subject, "tx-2", "travel", "business trip"))
	assert.Equal(t, map[string]any{
		"transaction_id":    "tx-2",
		"category":          "travel",
		"previous_category": "uncategorized",
	}, res)

	tx, err = f.books.Transaction(ctx, subject, "tx-2")
	require.NoError(t, err)
	assert.Equal(t, "travel", tx.Category)
}

func TestCreateProjectDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := returned(t, f.approve(t, "create_project_draft", subject, "website relaunch", 12000.0))
	m := res.(map[string]any)
	assert.NotEmpty(t, m["project_id"])
	factID, err := uuid.Parse(m["fact_id"].(string))
	require.NoError(t, err)

	projects, err := f.books.Projects(ctx, subject)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 12000.0, projects[0].EstimatedRevenue)

	fact, err := f.facts.Get(ctx, factID)
	require.NoError(t, err)
	assert.Equal(t, facts.LayerProject, fact.Layer)
	assert.Equal(t, "website relaunch", fact.EntityName)
}

func TestCriticalHasNoApprovedAction(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"submit_tax_return", "file_vat_registration"} {
		d, ok := f.reg.Lookup(name)
		require.True(t, ok)
		assert.Nil(t, d.OnApproved, name)
	}
}
