// Package sandbox runs generated programs in a resumable interpreter.
//
// A program runs until it finishes, fails, or calls a capability. A
// capability call suspends the program and hands the caller a
// [Suspended] state holding the [PendingCall] and a [Handle]. The caller
// decides what the call returns and resumes the program with a value or
// an [Exception]. A suspended program can be dumped to an opaque
// checkpoint, released, and later restored from that checkpoint in a
// different process.
//
// Checkpoints are journals, not memory images. A checkpoint records the
// program, its inputs and the results of every capability call it has
// made so far; restoring re-runs the program and answers each call from
// the journal until execution reaches the pending call again. Programs
// must therefore be deterministic apart from their capability calls.
// Replay checks every call's name and arguments against the journal; a
// program that asks for something different has diverged and is not
// restored.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Program is everything needed to start (or replay) a run.
type Program struct {
	// Source is the program text. Its meaning depends on the
	// interpreter: Go source for [GoInterpreter], a registered program
	// name for [NativeInterpreter].
	Source string `json:"source"`

	// Inputs are handed to the program's entry point. They are
	// normalized through JSON before the program sees them.
	Inputs map[string]any `json:"inputs"`

	// Capabilities lists the names the program may call. Calls to any
	// other name are rejected with a not_found exception.
	Capabilities []string `json:"capabilities"`
}

// PendingCall is a capability invocation requested by a program.
type PendingCall struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// String renders c as name(arg, key=value) with JSON-encoded values
// and keys in sorted order.
func (c PendingCall) String() string {
	parts := make([]string, 0, len(c.Args)+len(c.Kwargs))
	for _, a := range c.Args {
		parts = append(parts, compactJSON(a))
	}
	keys := make([]string, 0, len(c.Kwargs))
	for k := range c.Kwargs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+compactJSON(c.Kwargs[k]))
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// Exception kinds injected into running programs.
const (
	KindCapabilityError = "capability_error"
	KindNotFound        = "not_found"
	KindArgumentError   = "argument_error"
	KindApprovalDenied  = "approval_denied"
)

// Exception is an error raised inside the program by the host. Programs
// receive it as the error return of a capability call and may handle it.
type Exception struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Exception) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FaultKind says why a program stopped without completing.
type FaultKind string

const (
	// FaultRuntime is an unhandled error or panic in the program.
	FaultRuntime FaultKind = "runtime"
	// FaultValidation means the program was rejected before it ran.
	FaultValidation FaultKind = "validation"
	// FaultTimeout means the context expired while the program ran.
	FaultTimeout FaultKind = "timeout"
	// FaultStepLimit is raised by callers that bound the number of
	// capability calls per run.
	FaultStepLimit FaultKind = "step_limit"
)

// State is the result of advancing a program. It is one of [Completed],
// [Faulted] or [Suspended].
type State interface {
	isState()
}

// Completed is a program that returned normally.
type Completed struct {
	Output any
}

// Faulted is a program that stopped with an error.
type Faulted struct {
	Kind    FaultKind
	Message string
}

// Suspended is a program blocked on a capability call.
type Suspended struct {
	Call   PendingCall
	Handle Handle
}

func (Completed) isState() {}
func (Faulted) isState()   {}
func (Suspended) isState() {}

// Handle controls a suspended program. Resume and Throw consume the
// handle; using it again yields a runtime fault. Release frees the
// program without resuming it and is safe to call more than once.
type Handle interface {
	// Resume continues the program with value as the call's result.
	Resume(ctx context.Context, value any) State
	// Throw continues the program with exc as the call's error.
	Throw(ctx context.Context, exc *Exception) State
	// Dump serializes the suspended program into a checkpoint.
	Dump() ([]byte, error)
	// Release abandons the program and frees its resources.
	Release()
}

// Interpreter starts and restores programs.
type Interpreter interface {
	// Name identifies the interpreter in checkpoints.
	Name() string
	// Start runs p until its first state change.
	Start(ctx context.Context, p Program) State
	// Restore rebuilds a suspended program from a checkpoint. It fails
	// if the checkpoint is corrupt, belongs to another interpreter, or
	// replay does not reach the recorded pending call.
	Restore(ctx context.Context, checkpoint []byte) (State, error)
}

// Host is what a running program calls back into.
type Host interface {
	Call(name string, args ...any) (any, error)
	CallKw(name string, kwargs map[string]any) (any, error)
}

// Body is a compiled program entry point.
type Body func(h Host, inputs map[string]any) (any, error)
