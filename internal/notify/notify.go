// Package notify tells approvers that something needs their attention.
//
// The engine emits an [Event] whenever a cycle pauses for approval, a
// paused cycle is resumed, or an advisory action is undone. Events fan
// out to every configured [Notifier]: an MQTT broker, connected
// websocket clients, or both. Delivery is best effort; a failed
// notification never fails the cycle that produced it.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventApprovalRequested = "approval_requested"
	EventCycleResumed      = "cycle_resumed"
	EventAdvisoryUndone    = "advisory_undone"
)

// Event describes a change an approver may care about.
type Event struct {
	Type           string    `json:"type"`
	Subject        string    `json:"subject"`
	SnapshotID     string    `json:"snapshot_id,omitempty"`
	CycleID        string    `json:"cycle_id,omitempty"`
	Capability     string    `json:"capability,omitempty"`
	Tier           int       `json:"tier,omitempty"`
	SecureHandover bool      `json:"secure_handover,omitempty"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status,omitempty"`
	Time           time.Time `json:"time"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) {}
