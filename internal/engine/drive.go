package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/prism/internal/capability"
	"github.com/nugget/prism/internal/config"
	"github.com/nugget/prism/internal/gate"
	"github.com/nugget/prism/internal/notify"
	"github.com/nugget/prism/internal/sandbox"
	"github.com/nugget/prism/internal/snapshot"
)

// drive advances a program until it reaches a terminal state. steps is
// the number of calls already dispatched in this cycle. The program is
// resumed under pctx, which carries the program time limit; capability
// dispatch and persistence use ctx.
func (c *Coordinator) drive(ctx, pctx context.Context, cycle *Cycle, state sandbox.State, steps int, log *slog.Logger) *Result {
	for {
		switch s := state.(type) {
		case sandbox.Completed:
			log.Info("cycle completed", "steps", steps)
			return c.finish(cycle, &Result{Status: StatusCompleted, Output: s.Output, Steps: steps})

		case sandbox.Faulted:
			kind := faultKind(s.Kind)
			msg := s.Message
			if s.Kind == sandbox.FaultTimeout && ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
				msg = fmt.Sprintf("program exceeded its time limit of %s", c.opts.ProgramTimeout)
			}
			log.Warn("cycle failed", "failure_kind", kind, "error", msg, "steps", steps)
			return c.fail(cycle, kind, msg, steps)

		case sandbox.Suspended:
			steps++
			if c.opts.MaxSteps > 0 && steps > c.opts.MaxSteps {
				s.Handle.Release()
				msg := fmt.Sprintf("step limit of %d capability calls exceeded", c.opts.MaxSteps)
				log.Warn("cycle failed", "failure_kind", FailureStepLimit, "error", msg)
				return c.fail(cycle, FailureStepLimit, msg, steps-1)
			}

			log.Log(ctx, config.LevelTrace, "capability call",
				"step", steps,
				"capability", s.Call.Name,
				"args", len(s.Call.Args),
				"kwargs", len(s.Call.Kwargs),
			)

			switch d := c.deps.Gate.Dispatch(ctx, cycle.Subject, cycle.ID, s.Call).(type) {
			case gate.Executed:
				state = s.Handle.Resume(pctx, d.Value)
			case gate.Raised:
				state = s.Handle.Throw(pctx, d.Exception)
			case gate.TimedOut:
				s.Handle.Release()
				log.Warn("cycle failed", "failure_kind", FailureTimeout, "capability", s.Call.Name, "error", d.Err)
				return c.fail(cycle, FailureTimeout, d.Err.Error(), steps)
			case gate.Halted:
				return c.pause(ctx, cycle, s, d.Request, steps, log)
			default:
				s.Handle.Release()
				return c.fail(cycle, FailureInterpreter, fmt.Sprintf("unexpected gate decision %T", d), steps)
			}

		default:
			return c.fail(cycle, FailureInterpreter, fmt.Sprintf("unexpected interpreter state %T", state), steps)
		}
	}
}

// pause persists the suspended program and releases it. Nothing of the
// cycle stays in memory once pause returns.
func (c *Coordinator) pause(ctx context.Context, cycle *Cycle, s sandbox.Suspended, req capability.ApprovalRequest, steps int, log *slog.Logger) *Result {
	checkpoint, err := s.Handle.Dump()
	s.Handle.Release()
	if err != nil {
		log.Error("checkpoint failed", "capability", req.Capability, "error", err)
		return c.fail(cycle, FailureSnapshot, fmt.Sprintf("checkpoint: %v", err), steps)
	}

	description := req.Describe()
	id, err := c.deps.Snapshots.Save(ctx, snapshot.Record{
		Subject:        cycle.Subject,
		CycleID:        cycle.ID,
		Checkpoint:     checkpoint,
		PendingName:    req.Capability,
		PendingArgs:    snapshot.PendingArgs{Args: s.Call.Args, Kwargs: s.Call.Kwargs},
		Tier:           int(req.Tier),
		SecureHandover: req.SecureHandover,
		Description:    description,
	})
	if err != nil {
		log.Error("snapshot save failed", "capability", req.Capability, "error", err)
		return c.fail(cycle, FailureSnapshot, fmt.Sprintf("save snapshot: %v", err), steps)
	}

	log.Info("cycle paused for approval",
		"snapshot_id", id,
		"capability", req.Capability,
		"tier", int(req.Tier),
		"secure_handover", req.SecureHandover,
		"checkpoint_bytes", len(checkpoint),
	)
	c.deps.Notifier.Notify(ctx, notify.Event{
		Type:           notify.EventApprovalRequested,
		Subject:        cycle.Subject,
		SnapshotID:     id.String(),
		CycleID:        cycle.ID,
		Capability:     req.Capability,
		Tier:           int(req.Tier),
		SecureHandover: req.SecureHandover,
		Description:    description,
		Status:         string(snapshot.StatusPending),
	})

	approval := req
	return c.finish(cycle, &Result{
		Status:     StatusPaused,
		SnapshotID: id.String(),
		Pending:    description,
		Approval:   &approval,
		Steps:      steps,
	})
}

func faultKind(k sandbox.FaultKind) FailureKind {
	switch k {
	case sandbox.FaultTimeout:
		return FailureTimeout
	case sandbox.FaultStepLimit:
		return FailureStepLimit
	default:
		return FailureInterpreter
	}
}
