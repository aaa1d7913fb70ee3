package facts

import (
	"context"
	"fmt"
	"strings"
)

// ContextProvider supplies a subject's most recent active facts for the
// cycle context and the system prompt.
type ContextProvider struct {
	store    *Store
	maxFacts int
}

// NewContextProvider creates a context provider with default settings
// (maxFacts=10).
func NewContextProvider(store *Store) *ContextProvider {
	return &ContextProvider{
		store:    store,
		maxFacts: 10,
	}
}

// SetMaxFacts configures how many facts to include. Values <= 0 are
// ignored.
func (p *ContextProvider) SetMaxFacts(n int) {
	if n > 0 {
		p.maxFacts = n
	}
}

// Facts returns up to maxFacts of the subject's newest active facts.
func (p *ContextProvider) Facts(ctx context.Context, subject string) ([]Fact, error) {
	facts, err := p.store.GetActiveFacts(ctx, subject, "", p.maxFacts)
	if err != nil {
		return nil, fmt.Errorf("load facts for %s: %w", subject, err)
	}
	return facts, nil
}

// Render formats facts for the system prompt, one per line. Returns an
// empty string when there is nothing to show.
func Render(facts []Fact) string {
	if len(facts) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, f := range facts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s", f.Layer, f.EntityName, string(f.Content))
		if f.Confidence < 1 {
			fmt.Fprintf(&sb, " (confidence %.0f%%)", f.Confidence*100)
		}
	}
	return sb.String()
}

// Summaries converts facts into plain maps for the interpreter inputs.
func Summaries(facts []Fact) []map[string]any {
	out := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		out = append(out, map[string]any{
			"id":          f.ID.String(),
			"layer":       string(f.Layer),
			"entity_name": f.EntityName,
			"content":     string(f.Content),
			"confidence":  f.Confidence,
			"created_at":  f.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}
