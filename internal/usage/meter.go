package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/llm"
)

// Scope attributes model calls made under a context.
type Scope struct {
	Subject string
	CycleID string
	Purpose string
}

type scopeKey struct{}

// WithScope returns a context whose model calls are attributed to s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope set by [WithScope], if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Meter is an llm.Client that records the usage of every successful
// call made under a scoped context. Unscoped calls pass through
// unrecorded.
type Meter struct {
	next     llm.Client
	recorder Recorder
	pricing  map[string]config.PricingEntry
	logger   *slog.Logger
}

// NewMeter wraps next.
func NewMeter(next llm.Client, recorder Recorder, pricing map[string]config.PricingEntry, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		next:     next,
		recorder: recorder,
		pricing:  pricing,
		logger:   logger.With("component", "usage"),
	}
}

// Chat implements llm.Client. A failure to record is logged, never
// returned.
func (m *Meter) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := m.next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	scope, ok := ScopeFrom(ctx)
	if !ok {
		return resp, nil
	}

	purpose := scope.Purpose
	if purpose == "" {
		purpose = PurposeAuxiliary
	}
	rec := Record{
		Subject:      scope.Subject,
		CycleID:      scope.CycleID,
		Tier:         req.Tier,
		Model:        resp.Model,
		Purpose:      purpose,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, m.pricing),
	}
	// Record even if the caller's deadline has passed.
	if err := m.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("failed to record usage", "subject", scope.Subject, "cycle_id", scope.CycleID, "error", err)
	}
	return resp, nil
}
