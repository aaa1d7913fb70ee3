package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/time/rate"
)

// TierBinding maps a reasoning tier to a model on a provider.
type TierBinding struct {
	Model    string
	Provider string
}

// Router implements Client by resolving the request's tier to a model
// and handing it to that model's provider.
type Router struct {
	providers   map[string]Provider
	tiers       map[string]TierBinding
	defaultTier string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewRouter creates a router. Requests with an empty Tier use
// defaultTier.
func NewRouter(defaultTier string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers:   make(map[string]Provider),
		tiers:       make(map[string]TierBinding),
		defaultTier: defaultTier,
		logger:      logger.With("component", "llm"),
	}
}

// AddProvider registers a provider under its Name.
func (r *Router) AddProvider(p Provider) {
	r.providers[p.Name()] = p
}

// AddTier binds a tier to a model and provider.
func (r *Router) AddTier(name string, b TierBinding) {
	r.tiers[name] = b
}

// SetRateLimit caps outbound requests per second across all providers.
// rps <= 0 removes the limit.
func (r *Router) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		r.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Tiers returns the configured tier names, sorted.
func (r *Router) Tiers() []string {
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Chat implements Client.
func (r *Router) Chat(ctx context.Context, req Request) (*Response, error) {
	tier := req.Tier
	if tier == "" {
		tier = r.defaultTier
	}
	b, ok := r.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("%q: %w", tier, ErrUnknownTier)
	}
	p, ok := r.providers[b.Provider]
	if !ok {
		return nil, fmt.Errorf("tier %q: no provider %q configured", tier, b.Provider)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req.Tier = tier
	req.Model = b.Model
	r.logger.Debug("routing model request",
		"tier", tier,
		"model", b.Model,
		"provider", b.Provider,
		"messages", len(req.Messages),
	)
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", b.Provider, b.Model, err)
	}
	return resp, nil
}

// Ping checks every provider a tier uses.
func (r *Router) Ping(ctx context.Context) error {
	seen := make(map[string]bool)
	for _, name := range r.Tiers() {
		b := r.tiers[name]
		if seen[b.Provider] {
			continue
		}
		seen[b.Provider] = true
		p, ok := r.providers[b.Provider]
		if !ok {
			return fmt.Errorf("tier %q: no provider %q configured", name, b.Provider)
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.Provider, err)
		}
	}
	return nil
}

// Providers returns the names of providers used by at least one tier,
// sorted.
func (r *Router) Providers() []string {
	seen := make(map[string]bool)
	for _, b := range r.tiers {
		seen[b.Provider] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PingProvider checks a single provider.
func (r *Router) PingProvider(ctx context.Context, name string) error {
	p, ok := r.providers[name]
	if !ok {
		return fmt.Errorf("no provider %q configured", name)
	}
	return p.Ping(ctx)
}
