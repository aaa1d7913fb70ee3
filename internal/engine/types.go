// Package engine runs execution cycles.
//
// A cycle turns one user message into a result. The coordinator asks the
// reasoning model for a program, runs it in the sandbox and feeds every
// capability call through the gate. Calls that need approval end the
// cycle as paused: the interpreter state is persisted as a snapshot and
// all in-memory resources are released. [Coordinator.ResumeCycle] picks
// a snapshot up again, injects the approver's decision and continues
// with the same loop in a new cycle.
package engine

import (
	"errors"
	"time"

	"github.com/nugget/prism/internal/capability"
)

// ErrUnknownSubject is returned when a cycle names a subject that is
// not a known tenant.
var ErrUnknownSubject = errors.New("unknown subject")

// Status is a cycle's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// FailureKind classifies failed cycles.
type FailureKind string

const (
	FailureModel       FailureKind = "model_error"
	FailureInterpreter FailureKind = "interpreter_fault"
	FailureStepLimit   FailureKind = "step_limit"
	FailureTimeout     FailureKind = "timeout"
	FailureSnapshot    FailureKind = "snapshot_error"
)

// Cycle is one pass from message (or resumed snapshot) to a terminal
// result.
type Cycle struct {
	ID             string
	Subject        string
	Message        string
	Context        map[string]any
	StartedAt      time.Time
	ParentSnapshot string
}

// Result is the outcome of RunCycle or ResumeCycle.
type Result struct {
	CycleID     string      `json:"cycle_id"`
	Subject     string      `json:"subject"`
	Status      Status      `json:"status"`
	Output      any         `json:"output,omitempty"`
	SnapshotID  string      `json:"snapshot_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	// Pending describes the action awaiting approval when paused.
	Pending  string                      `json:"pending,omitempty"`
	Approval *capability.ApprovalRequest `json:"approval,omitempty"`
	// Steps counts capability calls dispatched during this cycle.
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Decision is a human verdict on a paused cycle.
type Decision struct {
	Approved bool `json:"approved"`
	// Value is handed to the program as the gated call's result when
	// the capability has no approved action of its own. Nil means
	// {"approved": true}.
	Value any    `json:"value,omitempty"`
	Note  string `json:"note,omitempty"`
}
