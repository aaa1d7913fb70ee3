package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/facts"
	"github.com/nugget/prism/internal/gate"
	"github.com/nugget/prism/internal/llm"
	"github.com/nugget/prism/internal/notify"
	"github.com/nugget/prism/internal/prompts"
	"github.com/nugget/prism/internal/sandbox"
	"github.com/nugget/prism/internal/snapshot"
	"github.com/nugget/prism/internal/usage"
)

var tracer = otel.Tracer("github.com/nugget/prism/internal/engine")

// Defaults applied by [New] for zero option values.
const (
	DefaultMaxFacts     = 10
	DefaultModelTier    = "reasoning"
	DefaultMaxTokens    = 4096
	DefaultModelTimeout = 2 * time.Minute

	DefaultProgramTimeout = 5 * time.Minute
)

// TenantChecker reports whether a subject is a known tenant.
type TenantChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// FactSource supplies the facts merged into a cycle's context.
type FactSource interface {
	Facts(ctx context.Context, subject string) ([]facts.Fact, error)
}

// Deps are the collaborators a Coordinator drives. Notifier may be nil.
type Deps struct {
	Tenants     TenantChecker
	Facts       FactSource
	Model       llm.Client
	Interpreter sandbox.Interpreter
	Registry    *capability.Registry
	Gate        *gate.Gate
	Snapshots   *snapshot.Store
	Notifier    notify.Notifier
}

// Options tune a Coordinator.
type Options struct {
	// MaxSteps bounds capability calls per cycle. Zero means unlimited.
	MaxSteps int
	// MaxConcurrent caps cycles running at once across all subjects.
	// Zero means no cap.
	MaxConcurrent int
	ModelTier     string
	MaxTokens     int
	ModelTimeout  time.Duration
	// ProgramTimeout bounds a program's wall time within one cycle,
	// capability calls included. Zero means DefaultProgramTimeout.
	ProgramTimeout time.Duration
	// HostPackage is the import path generated programs use for
	// capability calls. Empty means "prism".
	HostPackage string
	Logger      *slog.Logger
}

// Coordinator runs and resumes execution cycles.
type Coordinator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	locks  *subjectLocks
	sem    *semaphore.Weighted
}

// New creates a Coordinator.
func New(deps Deps, opts Options) *Coordinator {
	if opts.ModelTier == "" {
		opts.ModelTier = DefaultModelTier
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	if opts.ProgramTimeout <= 0 {
		opts.ProgramTimeout = DefaultProgramTimeout
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "engine"),
		locks:  newSubjectLocks(),
	}
	if opts.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return c
}

// RunCycle handles one user message for subject. It returns an error
// only when the cycle could not start (unknown subject, cancelled
// context); everything that goes wrong once the cycle has started is
// reported in the Result.
func (c *Coordinator) RunCycle(ctx context.Context, subject, message string, extra map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "cycle.run")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	ok, err := c.deps.Tenants.Exists(ctx, subject)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check subject: %w", err)
	}
	if !ok {
		span.SetStatus(codes.Error, "unknown subject")
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}

	release, err := c.acquire(ctx, subject)
	if err != nil {
		return nil, err
	}
	defer release()

	cycle := newCycle(subject, message, extra, "")
	ctx = usage.WithScope(ctx, usage.Scope{Subject: subject, CycleID: cycle.ID})
	span.SetAttributes(attribute.String("cycle_id", cycle.ID))
	log := c.logger.With("subject", subject, "cycle_id", cycle.ID)
	log.Info("cycle started", "message_len", len(message))

	var known []facts.Fact
	if c.deps.Facts != nil {
		known, err = c.deps.Facts.Facts(ctx, subject)
		if err != nil {
			log.Warn("facts unavailable, continuing without them", "error", err)
			known = nil
		}
	}
	cycle.Context["facts"] = facts.Summaries(known)

	reply, err := c.ask(ctx, cycle, known)
	if err != nil {
		log.Error("model call failed", "error", err)
		res := c.fail(cycle, FailureModel, fmt.Sprintf("model call failed: %v", err), 0)
		endSpan(span, res)
		return res, nil
	}

	src, found := ExtractProgram(reply)
	if !found {
		log.Info("cycle completed without program")
		res := c.finish(cycle, &Result{Status: StatusCompleted, Output: reply})
		endSpan(span, res)
		return res, nil
	}
	log.Log(ctx, config.LevelTrace, "program extracted", "source", src)

	prog := sandbox.Program{
		Source: src,
		Inputs: map[string]any{
			"user_id": subject,
			"message": message,
			"context": cycle.Context,
		},
		Capabilities: c.deps.Registry.Names(),
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.ProgramTimeout)
	defer cancel()
	state := c.deps.Interpreter.Start(pctx, prog)
	res := c.drive(ctx, pctx, cycle, state, 0, log)
	endSpan(span, res)
	return res, nil
}

// ResumeCycle continues a paused cycle with the approver's decision.
// The snapshot is claimed exactly once: a second call returns
// [snapshot.ErrAlreadyResumed]. A checkpoint that cannot be restored
// leaves the snapshot pending and yields a failed result.
func (c *Coordinator) ResumeCycle(ctx context.Context, id uuid.UUID, dec Decision) (*Result, error) {
	ctx, span := tracer.Start(ctx, "cycle.resume")
	defer span.End()
	span.SetAttributes(
		attribute.String("snapshot_id", id.String()),
		attribute.Bool("approved", dec.Approved),
	)

	meta, err := c.deps.Snapshots.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if meta.Status != snapshot.StatusPending {
		return nil, fmt.Errorf("snapshot %s: %w", id, snapshot.ErrAlreadyResumed)
	}

	release, err := c.acquire(ctx, meta.Subject)
	if err != nil {
		return nil, err
	}
	defer release()

	cycle := newCycle(meta.Subject, "", nil, id.String())
	ctx = usage.WithScope(ctx, usage.Scope{Subject: meta.Subject, CycleID: cycle.ID})
	span.SetAttributes(attribute.String("cycle_id", cycle.ID), attribute.String("subject", meta.Subject))
	log := c.logger.With("subject", meta.Subject, "cycle_id", cycle.ID, "snapshot_id", id)

	resolution := snapshot.ResolutionDenied
	if dec.Approved {
		resolution = snapshot.ResolutionApproved
	}

	pctx, cancel := context.WithTimeout(ctx, c.opts.ProgramTimeout)
	defer cancel()

	// The approver saw the snapshot's pending call, so that is the call
	// that runs, and the restored program must be waiting on exactly it.
	var (
		restored sandbox.Suspended
		approved sandbox.PendingCall
	)
	_, err = c.deps.Snapshots.Claim(ctx, id, resolution, func(s *snapshot.Snapshot) error {
		state, err := c.deps.Interpreter.Restore(pctx, s.Checkpoint)
		if err != nil {
			return err
		}
		susp, ok := state.(sandbox.Suspended)
		if !ok {
			return fmt.Errorf("checkpoint restored to %T, want suspended", state)
		}
		call := sandbox.PendingCall{Name: s.PendingName, Args: s.PendingArgs.Args, Kwargs: s.PendingArgs.Kwargs}
		if !sandbox.SameCall(susp.Call, call) {
			susp.Handle.Release()
			return fmt.Errorf("%w: restored program waits on %s, snapshot holds %s",
				sandbox.ErrReplayDiverged, susp.Call, call)
		}
		restored, approved = susp, call
		return nil
	})
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) || errors.Is(err, snapshot.ErrAlreadyResumed) {
			span.RecordError(err)
			return nil, err
		}
		if restored.Handle != nil {
			restored.Handle.Release()
		}
		log.Error("snapshot restore failed", "error", err)
		res := c.fail(cycle, FailureSnapshot, err.Error(), 0)
		endSpan(span, res)
		return res, nil
	}

	log.Info("cycle resumed",
		"capability", restored.Call.Name,
		"resolution", resolution,
		"note", dec.Note,
	)
	c.deps.Notifier.Notify(ctx, notify.Event{
		Type:       notify.EventCycleResumed,
		Subject:    meta.Subject,
		SnapshotID: id.String(),
		CycleID:    cycle.ID,
		Capability: restored.Call.Name,
		Tier:       meta.Tier,
		Status:     string(resolution),
	})

	state := c.inject(ctx, pctx, cycle, restored, approved, dec, log)
	res := c.drive(ctx, pctx, cycle, state, 0, log)
	endSpan(span, res)
	return res, nil
}

// inject hands the approver's decision to the restored program. call is
// the approved call as persisted with the snapshot.
func (c *Coordinator) inject(ctx, pctx context.Context, cycle *Cycle, s sandbox.Suspended, call sandbox.PendingCall, dec Decision, log *slog.Logger) sandbox.State {
	if !dec.Approved {
		msg := "approval denied"
		if dec.Note != "" {
			msg += ": " + dec.Note
		}
		return s.Handle.Throw(pctx, &sandbox.Exception{Kind: sandbox.KindApprovalDenied, Message: msg})
	}

	decision, ran := c.deps.Gate.ApplyApproved(ctx, cycle.Subject, cycle.ID, call)
	if !ran {
		value := dec.Value
		if value == nil {
			value = map[string]any{"approved": true}
		}
		return s.Handle.Resume(pctx, value)
	}

	switch d := decision.(type) {
	case gate.Executed:
		return s.Handle.Resume(pctx, d.Value)
	case gate.Raised:
		return s.Handle.Throw(pctx, d.Exception)
	case gate.TimedOut:
		log.Warn("approved action timed out", "capability", call.Name, "error", d.Err)
		s.Handle.Release()
		return sandbox.Faulted{Kind: sandbox.FaultTimeout, Message: d.Err.Error()}
	default:
		s.Handle.Release()
		return sandbox.Faulted{Kind: sandbox.FaultRuntime, Message: fmt.Sprintf("unexpected decision %T", decision)}
	}
}

// ask builds the prompt and calls the reasoning model.
func (c *Coordinator) ask(ctx context.Context, cycle *Cycle, known []facts.Fact) (string, error) {
	descs := c.deps.Registry.Descriptors()
	slices.SortFunc(descs, func(a, b *capability.Descriptor) int {
		return cmp.Or(cmp.Compare(a.Tier, b.Tier), cmp.Compare(a.Name, b.Name))
	})
	catalogue := make([]prompts.Capability, 0, len(descs))
	for _, d := range descs {
		catalogue = append(catalogue, prompts.Capability{
			Signature:      d.Signature(),
			Tier:           int(d.Tier),
			TierName:       d.Tier.String(),
			SecureHandover: d.SecureHandover,
			Description:    d.Description,
		})
	}

	system := prompts.System(prompts.SystemInput{
		Capabilities: catalogue,
		Facts:        facts.Render(known),
		HostPackage:  c.opts.HostPackage,
	})

	mctx, cancel := context.WithTimeout(ctx, c.opts.ModelTimeout)
	defer cancel()
	mctx = usage.WithScope(mctx, usage.Scope{Subject: cycle.Subject, CycleID: cycle.ID, Purpose: usage.PurposeProgram})

	resp, err := c.deps.Model.Chat(mctx, llm.Request{
		Tier:      c.opts.ModelTier,
		MaxTokens: c.opts.MaxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: cycle.Message},
		},
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("model replied",
		"cycle_id", cycle.ID,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", resp.Duration,
	)
	return resp.Content, nil
}

// acquire takes the subject lock, then a concurrency slot. Cycles
// queued behind a busy subject hold no slot while they wait.
func (c *Coordinator) acquire(ctx context.Context, subject string) (func(), error) {
	unlock, err := c.locks.lock(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("wait for subject %s: %w", subject, err)
	}
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			unlock()
			return nil, fmt.Errorf("wait for cycle slot: %w", err)
		}
	}
	return func() {
		unlock()
		if c.sem != nil {
			c.sem.Release(1)
		}
	}, nil
}

func newCycle(subject, message string, extra map[string]any, parent string) *Cycle {
	ctxMap := make(map[string]any, len(extra)+1)
	maps.Copy(ctxMap, extra)
	return &Cycle{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Subject:        subject,
		Message:        message,
		Context:        ctxMap,
		StartedAt:      time.Now(),
		ParentSnapshot: parent,
	}
}

func (c *Coordinator) fail(cycle *Cycle, kind FailureKind, msg string, steps int) *Result {
	return c.finish(cycle, &Result{
		Status:      StatusFailed,
		Error:       msg,
		FailureKind: kind,
		Steps:       steps,
	})
}

func (c *Coordinator) finish(cycle *Cycle, res *Result) *Result {
	res.CycleID = cycle.ID
	res.Subject = cycle.Subject
	res.Duration = time.Since(cycle.StartedAt)
	return res
}

func endSpan(span trace.Span, res *Result) {
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("steps", res.Steps),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, string(res.FailureKind))
	}
}
