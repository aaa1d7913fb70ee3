// Package capability defines the catalogue of named actions a generated
// program may invoke, their risk tiers and their parameter schemas.
//
// A [Registry] is constructed at startup, filled with [Descriptor]
// values and handed to the engine. Descriptors are immutable once
// registered. Tier 3 and 4 capabilities never execute directly: invoking
// one yields a [NeedsApproval] outcome that the gate turns into a
// suspended, persisted cycle.
package capability

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tier classifies how much autonomy a capability is granted.
type Tier int

const (
	// TierObservational capabilities are read-only and always run.
	TierObservational Tier = 1
	// TierAdvisory capabilities run immediately but must be undoable
	// for a fixed reversal window.
	TierAdvisory Tier = 2
	// TierActive capabilities only run after a human approves.
	TierActive Tier = 3
	// TierCritical capabilities need approval through a secure channel.
	TierCritical Tier = 4
)

// String returns the tier's display name.
func (t Tier) String() string {
	switch t {
	case TierObservational:
		return "observational"
	case TierAdvisory:
		return "advisory"
	case TierActive:
		return "active"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the four defined tiers.
func (t Tier) Valid() bool {
	return t >= TierObservational && t <= TierCritical
}

// Gated reports whether calls at this tier require approval.
func (t Tier) Gated() bool {
	return t >= TierActive
}

// Param is one declared positional parameter.
type Param struct {
	Name        string
	Optional    bool
	Default     any
	Description string
}

// Invocation carries the resolved call into a handler.
type Invocation struct {
	Subject string
	CycleID string
	Args    []any
}

// Arg returns the i'th argument or nil.
func (inv Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.Args) {
		return nil
	}
	return inv.Args[i]
}

// Handler implements a capability.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Reversal is handed to a Revert function when an advisory action is
// undone. Args and Result are the values recorded when the action ran,
// after a JSON round trip.
type Reversal struct {
	Subject string
	Args    []any
	Result  any
}

// RevertFunc undoes a previously executed advisory action.
type RevertFunc func(ctx context.Context, r Reversal) error

// Descriptor is a registry entry.
type Descriptor struct {
	Name        string
	Tier        Tier
	Params      []Param
	Description string

	// SecureHandover is forced on for tier 4 and rejected for other tiers.
	SecureHandover bool

	// Handler runs tier 1 and 2 capabilities. Tier 3 and 4 descriptors
	// must leave it nil.
	Handler Handler

	// ReversalWindow and Revert are required for tier 2.
	ReversalWindow time.Duration
	Revert         RevertFunc

	// OnApproved optionally runs a tier 3 or 4 action after approval.
	// Without it the approver supplies the value handed back to the
	// program.
	OnApproved Handler
}

// HasSchema reports whether the descriptor declares parameters.
func (d *Descriptor) HasSchema() bool {
	return len(d.Params) > 0
}

// Signature renders the call shape, e.g. "get_active_facts(user_id, layer=nil)".
func (d *Descriptor) Signature() string {
	parts := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		if p.Optional {
			parts = append(parts, fmt.Sprintf("%s=%s", p.Name, formatDefault(p.Default)))
			continue
		}
		parts = append(parts, p.Name)
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

func formatDefault(v any) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}

// ApprovalRequest describes a gated call waiting for a human.
type ApprovalRequest struct {
	Capability     string         `json:"capability"`
	Tier           Tier           `json:"tier"`
	SecureHandover bool           `json:"secure_handover"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
	Description    string         `json:"description"`
}

// Describe returns the human-facing summary used by approval UIs.
func (r ApprovalRequest) Describe() string {
	msg := fmt.Sprintf("%s requires approval (tier %d, %s)", r.Capability, int(r.Tier), r.Tier)
	if r.SecureHandover {
		msg += "; approve through the secure channel"
	}
	if r.Description != "" {
		msg += ": " + r.Description
	}
	return msg
}

// Outcome is the result of invoking a capability. It is one of
// [Returned], [Failed] or [NeedsApproval].
type Outcome interface {
	isOutcome()
}

// Returned carries a successful result.
type Returned struct {
	Value any
}

// Failed carries an error raised by the capability's own code.
type Failed struct {
	Err error
}

// NeedsApproval is produced by every tier 3 and 4 invocation.
type NeedsApproval struct {
	Request ApprovalRequest
}

func (Returned) isOutcome()      {}
func (Failed) isOutcome()        {}
func (NeedsApproval) isOutcome() {}
