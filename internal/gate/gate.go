// Package gate arbitrates capability calls made by running programs.
//
// Every [sandbox.PendingCall] passes through [Gate.Dispatch], which
// looks the name up in the registry, resolves its arguments and either
// runs it (tiers 1 and 2) or halts the cycle for approval (tiers 3 and
// 4). The result is a [Decision] the resume loop switches on.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nugget/prism/internal/advisory"
	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/sandbox"
)

var tracer = otel.Tracer("github.com/nugget/prism/internal/gate")

// ErrCapabilityTimeout is wrapped by [TimedOut] decisions.
var ErrCapabilityTimeout = errors.New("capability timed out")

// Decision is the gate's verdict on one call. It is one of [Executed],
// [Raised], [Halted] or [TimedOut].
type Decision interface {
	isDecision()
}

// Executed means the capability ran and Value should be handed back
// to the program. UndoID is set for advisory actions.
type Executed struct {
	Value  any
	Tier   capability.Tier
	UndoID string
}

// Raised means the program should receive Exception as the call's
// error.
type Raised struct {
	Exception *sandbox.Exception
}

// Halted means the call needs human approval. The cycle must be
// persisted and paused.
type Halted struct {
	Request capability.ApprovalRequest
}

// TimedOut means the handler did not return within the capability
// timeout. The cycle fails; the program is not told.
type TimedOut struct {
	Err error
}

func (Executed) isDecision() {}
func (Raised) isDecision()   {}
func (Halted) isDecision()   {}
func (TimedOut) isDecision() {}

// Recorder stores advisory executions so they can be undone.
type Recorder interface {
	Record(ctx context.Context, a advisory.Action) (*advisory.Entry, error)
}

// Options configures a Gate.
type Options struct {
	// CapabilityTimeout bounds each handler call. Zero means no bound
	// beyond the caller's context.
	CapabilityTimeout time.Duration
	Logger            *slog.Logger
}

// Gate dispatches capability calls against a registry.
type Gate struct {
	registry *capability.Registry
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a gate. recorder may be nil, in which case advisory
// actions run but are not recorded for undo.
func New(registry *capability.Registry, recorder Recorder, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		registry: registry,
		recorder: recorder,
		timeout:  opts.CapabilityTimeout,
		logger:   logger.With("component", "gate"),
	}
}

// Classify returns the tier and secure-handover flag for a call. ok is
// false when the capability is not registered.
func (g *Gate) Classify(call sandbox.PendingCall) (capability.Tier, bool, bool) {
	d, ok := g.registry.Lookup(call.Name)
	if !ok {
		return 0, false, false
	}
	return d.Tier, d.SecureHandover, true
}

// Dispatch decides what happens to one pending call on behalf of
// subject.
func (g *Gate) Dispatch(ctx context.Context, subject, cycleID string, call sandbox.PendingCall) Decision {
	ctx, span := tracer.Start(ctx, "capability.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability.name", call.Name),
		attribute.String("cycle.subject", subject),
		attribute.String("cycle.id", cycleID),
	)

	log := g.logger.With("subject", subject, "cycle_id", cycleID, "capability", call.Name)

	d, ok := g.registry.Lookup(call.Name)
	if !ok {
		log.Warn("capability not registered")
		span.SetAttributes(attribute.String("gate.decision", "not_found"))
		return Raised{Exception: &sandbox.Exception{
			Kind:    sandbox.KindNotFound,
			Message: (&capability.ErrNotRegistered{Name: call.Name}).Error(),
		}}
	}
	span.SetAttributes(attribute.Int("capability.tier", int(d.Tier)))

	args, res, err := capability.Resolve(d, call.Args, call.Kwargs)
	if err != nil {
		log.Debug("argument resolution failed", "error", err)
		span.SetAttributes(attribute.String("gate.decision", "argument_error"))
		return Raised{Exception: &sandbox.Exception{Kind: sandbox.KindArgumentError, Message: err.Error()}}
	}
	if res == capability.ResolvedSingleObject {
		log.Warn("capability has no parameter schema, passing keyword map as one argument",
			"keys", len(call.Kwargs))
	}
	log.Log(ctx, config.LevelTrace, "arguments resolved", "resolution", res.String(), "args", len(args))

	inv := capability.Invocation{Subject: subject, CycleID: cycleID, Args: args}

	if d.Tier.Gated() {
		out := capability.Invoke(ctx, d, inv)
		na, ok := out.(capability.NeedsApproval)
		if !ok {
			// Registry validation keeps gated tiers off the direct path.
			panic(fmt.Sprintf("gated capability %s returned %T", d.Name, out))
		}
		na.Request.Args = call.Args
		na.Request.Kwargs = call.Kwargs
		log.Info("capability requires approval",
			"tier", int(d.Tier),
			"secure_handover", na.Request.SecureHandover,
		)
		span.SetAttributes(
			attribute.String("gate.decision", "halted"),
			attribute.Bool("capability.secure_handover", na.Request.SecureHandover),
		)
		return Halted{Request: na.Request}
	}

	start := time.Now()
	out, err := g.invoke(ctx, d, inv)
	if err != nil {
		log.Error("capability timed out", "timeout", g.timeout, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability timeout")
		return TimedOut{Err: err}
	}

	switch o := out.(type) {
	case capability.Failed:
		log.Info("capability failed", "error", o.Err, "elapsed", time.Since(start))
		span.SetAttributes(attribute.String("gate.decision", "capability_error"))
		return Raised{Exception: &sandbox.Exception{Kind: sandbox.KindCapabilityError, Message: o.Err.Error()}}

	case capability.Returned:
		exec := Executed{Value: o.Value, Tier: d.Tier}
		if d.Tier == capability.TierAdvisory {
			exec.UndoID = g.recordAdvisory(ctx, log, d, inv, o.Value)
		}
		log.Debug("capability executed", "tier", int(d.Tier), "elapsed", time.Since(start))
		span.SetAttributes(attribute.String("gate.decision", "executed"))
		return exec

	default:
		panic(fmt.Sprintf("capability %s returned unexpected outcome %T", d.Name, out))
	}
}

// ApplyApproved runs the approved action of a gated capability. ok is
// false when the capability has no OnApproved hook, in which case the
// approver's value is used instead.
func (g *Gate) ApplyApproved(ctx context.Context, subject, cycleID string, call sandbox.PendingCall) (Decision, bool) {
	ctx, span := tracer.Start(ctx, "capability.apply_approved")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability.name", call.Name),
		attribute.String("cycle.subject", subject),
	)

	d, found := g.registry.Lookup(call.Name)
	if !found {
		return Raised{Exception: &sandbox.Exception{
			Kind:    sandbox.KindNotFound,
			Message: (&capability.ErrNotRegistered{Name: call.Name}).Error(),
		}}, true
	}
	if d.OnApproved == nil {
		return nil, false
	}

	args, _, err := capability.Resolve(d, call.Args, call.Kwargs)
	if err != nil {
		return Raised{Exception: &sandbox.Exception{Kind: sandbox.KindArgumentError, Message: err.Error()}}, true
	}
	inv := capability.Invocation{Subject: subject, CycleID: cycleID, Args: args}

	out, err := g.run(ctx, func(ctx context.Context) capability.Outcome {
		o, _ := capability.InvokeApproved(ctx, d, inv)
		return o
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capability timeout")
		return TimedOut{Err: err}, true
	}

	switch o := out.(type) {
	case capability.Failed:
		g.logger.Info("approved action failed", "capability", d.Name, "subject", subject, "error", o.Err)
		return Raised{Exception: &sandbox.Exception{Kind: sandbox.KindCapabilityError, Message: o.Err.Error()}}, true
	case capability.Returned:
		g.logger.Info("approved action applied", "capability", d.Name, "subject", subject, "tier", int(d.Tier))
		return Executed{Value: o.Value, Tier: d.Tier}, true
	default:
		panic(fmt.Sprintf("capability %s returned unexpected outcome %T", d.Name, out))
	}
}

func (g *Gate) invoke(ctx context.Context, d *capability.Descriptor, inv capability.Invocation) (capability.Outcome, error) {
	return g.run(ctx, func(ctx context.Context) capability.Outcome {
		return capability.Invoke(ctx, d, inv)
	})
}

// run calls fn in a goroutine so a handler that ignores its context
// still cannot hold the cycle past the timeout.
func (g *Gate) run(ctx context.Context, fn func(context.Context) capability.Outcome) (capability.Outcome, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	done := make(chan capability.Outcome, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCapabilityTimeout, ctx.Err())
	}
}

func (g *Gate) recordAdvisory(ctx context.Context, log *slog.Logger, d *capability.Descriptor, inv capability.Invocation, result any) string {
	log.Info("advisory action executed",
		"reversal_window", d.ReversalWindow,
	)
	if g.recorder == nil {
		return ""
	}
	entry, err := g.recorder.Record(ctx, advisory.Action{
		Subject:    inv.Subject,
		CycleID:    inv.CycleID,
		Capability: d.Name,
		Window:     d.ReversalWindow,
		Args:       inv.Args,
		Result:     result,
	})
	if err != nil {
		// The action already happened; losing the undo record is logged,
		// not surfaced to the program.
		log.Error("failed to record advisory action", "error", err)
		return ""
	}
	return entry.ID.String()
}
