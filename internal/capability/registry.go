package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the capabilities available to generated programs.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Descriptor)}
}

// Register validates d and adds it to the registry. Names are unique;
// registering the same name twice is an error.
func (r *Registry) Register(d Descriptor) error {
	if err := validate(&d); err != nil {
		return err
	}

	// Copy the param slice so later edits by the caller don't leak in.
	d.Params = append([]Param(nil), d.Params...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.Name]; ok {
		return &RegistrationError{Name: d.Name, Reason: "already registered"}
	}
	r.byID[d.Name] = &d
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// static catalogues built at startup.
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[name]
	return d, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byID))
	for name := range r.byID {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors ordered by tier, then name.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Invoke runs a resolved call against d. Gated tiers never reach their
// handler; they return [NeedsApproval]. Handler errors and panics come
// back as [Failed].
func Invoke(ctx context.Context, d *Descriptor, inv Invocation) Outcome {
	if d.Tier.Gated() {
		return NeedsApproval{Request: ApprovalRequest{
			Capability:     d.Name,
			Tier:           d.Tier,
			SecureHandover: d.SecureHandover,
			Args:           inv.Args,
			Description:    d.Description,
		}}
	}
	return call(ctx, d.Name, d.Handler, inv)
}

// InvokeApproved runs the OnApproved hook of a gated descriptor. The
// second return is false when the descriptor has no hook.
func InvokeApproved(ctx context.Context, d *Descriptor, inv Invocation) (Outcome, bool) {
	if d.OnApproved == nil {
		return nil, false
	}
	return call(ctx, d.Name, d.OnApproved, inv), true
}

func call(ctx context.Context, name string, h Handler, inv Invocation) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Failed{Err: &PanicError{Capability: name, Value: p}}
		}
	}()

	v, err := h(ctx, inv)
	if err != nil {
		return Failed{Err: err}
	}
	return Returned{Value: v}
}

func validate(d *Descriptor) error {
	fail := func(format string, args ...any) error {
		return &RegistrationError{Name: d.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if !validName(d.Name) {
		return fail("name must be a lower_snake_case identifier")
	}
	if !d.Tier.Valid() {
		return fail("tier %d out of range 1..4", int(d.Tier))
	}

	seen := make(map[string]bool, len(d.Params))
	optional := false
	for _, p := range d.Params {
		if !validName(p.Name) {
			return fail("invalid parameter name %q", p.Name)
		}
		if seen[p.Name] {
			return fail("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if optional && !p.Optional {
			return fail("required parameter %q follows an optional one", p.Name)
		}
		optional = optional || p.Optional
	}

	switch d.Tier {
	case TierObservational, TierAdvisory:
		if d.Handler == nil {
			return fail("tier %d requires a handler", int(d.Tier))
		}
		if d.OnApproved != nil {
			return fail("OnApproved is only valid for gated tiers")
		}
		if d.SecureHandover {
			return fail("secure handover is only valid for tier 4")
		}
	case TierActive, TierCritical:
		if d.Handler != nil {
			return fail("tier %d capabilities cannot execute directly; use OnApproved", int(d.Tier))
		}
	}

	switch d.Tier {
	case TierAdvisory:
		if d.ReversalWindow <= 0 || d.Revert == nil {
			return fail("tier 2 requires a reversal window and a Revert function")
		}
	case TierActive:
		if d.SecureHandover {
			return fail("secure handover is only valid for tier 4")
		}
	case TierCritical:
		d.SecureHandover = true
	}
	return nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
