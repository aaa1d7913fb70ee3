package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// entry is one resolved capability call in a run's journal.
type entry struct {
	Name      string          `json:"name"`
	Args      []any           `json:"args,omitempty"`
	Kwargs    map[string]any  `json:"kwargs,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *Exception      `json:"exception,omitempty"`
}

func (e entry) call() PendingCall {
	return PendingCall{Name: e.Name, Args: e.Args, Kwargs: e.Kwargs}
}

func (e entry) result() (any, error) {
	if e.Exception != nil {
		exc := *e.Exception
		return nil, &exc
	}
	if len(e.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return nil, &Exception{Kind: KindCapabilityError, Message: "corrupt journal value"}
	}
	return v, nil
}

// event is sent from the program goroutine to the driver. Exactly one
// of call and state is set.
type event struct {
	call  *PendingCall
	state State
}

type reply struct {
	value any
	exc   *Exception
}

// run is one execution of a program body on its own goroutine. The
// program goroutine owns journal and pos; the driver only reads them
// while the program is blocked waiting for a reply.
type run struct {
	interp  string
	prog    Program
	allowed map[string]bool

	journal []entry
	pos     int
	pending PendingCall

	events  chan event
	replies chan reply
	abandon chan struct{}
	once    sync.Once

	// ctx is cancelled on release so interpreters can stop a body that
	// never calls back into the host.
	ctx    context.Context
	cancel context.CancelFunc
}

func newRun(interp string, p Program, journal []entry) *run {
	allowed := make(map[string]bool, len(p.Capabilities))
	for _, name := range p.Capabilities {
		allowed[name] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		interp:  interp,
		prog:    p,
		allowed: allowed,
		journal: journal,
		events:  make(chan event),
		replies: make(chan reply, 1),
		abandon: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// launch starts body and waits for its first state.
func (r *run) launch(ctx context.Context, body Body) State {
	inputs, err := normalizeMap(r.prog.Inputs)
	if err != nil {
		return Faulted{Kind: FaultValidation, Message: fmt.Sprintf("inputs: %v", err)}
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.finish(Faulted{Kind: FaultRuntime, Message: fmt.Sprintf("panic: %v", p)})
			}
		}()

		out, err := body(r, inputs)
		if err != nil {
			r.finish(Faulted{Kind: FaultRuntime, Message: err.Error()})
			return
		}
		norm, nerr := normalize(out)
		if nerr != nil {
			norm = fmt.Sprint(out)
		}
		r.finish(Completed{Output: norm})
	}()

	return r.next(ctx)
}

// next waits for the program's next event.
func (r *run) next(ctx context.Context) State {
	select {
	case ev := <-r.events:
		if ev.call != nil {
			r.pending = *ev.call
			return Suspended{Call: *ev.call, Handle: &handle{r: r}}
		}
		return ev.state
	case <-r.abandon:
		return Faulted{Kind: FaultRuntime, Message: "program was released"}
	case <-ctx.Done():
		r.release()
		return Faulted{Kind: FaultTimeout, Message: ctx.Err().Error()}
	}
}

func (r *run) finish(s State) {
	select {
	case r.events <- event{state: s}:
	case <-r.abandon:
	}
	r.cancel()
}

func (r *run) release() {
	r.once.Do(func() {
		close(r.abandon)
		r.cancel()
	})
}

// Context is done once the run is released or finished.
func (r *run) Context() context.Context { return r.ctx }

// Call implements Host.
func (r *run) Call(name string, args ...any) (any, error) {
	norm, err := normalizeSlice(args)
	if err != nil {
		return nil, &Exception{Kind: KindArgumentError, Message: err.Error()}
	}
	return r.call(PendingCall{Name: name, Args: norm})
}

// CallKw implements Host.
func (r *run) CallKw(name string, kwargs map[string]any) (any, error) {
	norm, err := normalizeMap(kwargs)
	if err != nil {
		return nil, &Exception{Kind: KindArgumentError, Message: err.Error()}
	}
	if len(norm) == 0 {
		norm = nil
	}
	return r.call(PendingCall{Name: name, Kwargs: norm})
}

func (r *run) call(pc PendingCall) (any, error) {
	if !r.allowed[pc.Name] {
		return nil, &Exception{Kind: KindNotFound, Message: fmt.Sprintf("capability %q is not available", pc.Name)}
	}

	if r.pos < len(r.journal) {
		e := r.journal[r.pos]
		if !SameCall(e.call(), pc) {
			r.finish(Faulted{Kind: FaultRuntime, Message: fmt.Sprintf(
				"replay diverged at call %d: journal has %s, program called %s", r.pos, e.call(), pc)})
			runtime.Goexit()
		}
		r.pos++
		return e.result()
	}

	select {
	case r.events <- event{call: &pc}:
	case <-r.abandon:
		runtime.Goexit()
	}

	var rep reply
	select {
	case rep = <-r.replies:
	case <-r.abandon:
		runtime.Goexit()
	}

	e := entry{Name: pc.Name, Args: pc.Args, Kwargs: pc.Kwargs, Exception: rep.exc}
	if rep.exc == nil {
		raw, err := json.Marshal(rep.value)
		if err != nil {
			e.Exception = &Exception{Kind: KindCapabilityError, Message: fmt.Sprintf("result not serializable: %v", err)}
		} else {
			e.Value = raw
		}
	}
	r.journal = append(r.journal, e)
	r.pos++
	return e.result()
}

// handle is the Handle for one suspension of a run.
type handle struct {
	r    *run
	used atomic.Bool
}

func (h *handle) Resume(ctx context.Context, value any) State {
	return h.send(ctx, reply{value: value})
}

func (h *handle) Throw(ctx context.Context, exc *Exception) State {
	if exc == nil {
		exc = &Exception{Kind: KindCapabilityError, Message: "unspecified error"}
	}
	return h.send(ctx, reply{exc: exc})
}

func (h *handle) send(ctx context.Context, rep reply) State {
	if !h.used.CompareAndSwap(false, true) {
		return Faulted{Kind: FaultRuntime, Message: "suspended call already resumed"}
	}
	select {
	case <-h.r.abandon:
		return Faulted{Kind: FaultRuntime, Message: "program was released"}
	default:
	}
	h.r.replies <- rep
	return h.r.next(ctx)
}

func (h *handle) Dump() ([]byte, error) {
	if h.used.Load() {
		return nil, errors.New("cannot dump a resumed program")
	}
	return encodeCheckpoint(&checkpoint{
		Version:     checkpointVersion,
		Interpreter: h.r.interp,
		Program:     h.r.prog,
		Journal:     h.r.journal,
		Pending:     h.r.pending,
	})
}

func (h *handle) Release() {
	h.r.release()
}

// compileFunc turns a program into a runnable body.
type compileFunc func(ctx context.Context, p Program) (Body, error)

// startProgram is the shared Start implementation.
func startProgram(ctx context.Context, interp string, p Program, compile compileFunc) State {
	inputs, err := normalizeMap(p.Inputs)
	if err != nil {
		return Faulted{Kind: FaultValidation, Message: fmt.Sprintf("inputs: %v", err)}
	}
	p.Inputs = inputs
	p.Capabilities = append([]string(nil), p.Capabilities...)

	body, err := compile(ctx, p)
	if err != nil {
		return Faulted{Kind: FaultValidation, Message: err.Error()}
	}
	return newRun(interp, p, nil).launch(ctx, body)
}

// restoreProgram is the shared Restore implementation.
func restoreProgram(ctx context.Context, interp string, data []byte, compile compileFunc) (State, error) {
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	if cp.Interpreter != interp {
		return nil, fmt.Errorf("checkpoint written by %q, not %q: %w", cp.Interpreter, interp, ErrWrongInterpreter)
	}

	body, err := compile(ctx, cp.Program)
	if err != nil {
		return nil, fmt.Errorf("recompile program: %w", err)
	}

	st := newRun(interp, cp.Program, cp.Journal).launch(ctx, body)
	s, ok := st.(Suspended)
	if !ok {
		return nil, fmt.Errorf("%w: replay ended in %s", ErrReplayDiverged, describe(st))
	}
	if !SameCall(s.Call, cp.Pending) {
		s.Handle.Release()
		return nil, fmt.Errorf("%w: replay suspended on %s, checkpoint recorded %s",
			ErrReplayDiverged, s.Call, cp.Pending)
	}
	return s, nil
}

// SameCall reports whether a and b name the same capability with equal
// arguments. Both calls must already be normalized; nil and empty
// argument lists compare equal.
func SameCall(a, b PendingCall) bool {
	if a.Name != b.Name {
		return false
	}
	ra, errA := json.Marshal(PendingCall{Args: a.Args, Kwargs: a.Kwargs})
	rb, errB := json.Marshal(PendingCall{Args: b.Args, Kwargs: b.Kwargs})
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

func describe(s State) string {
	switch s := s.(type) {
	case Completed:
		return "completion"
	case Faulted:
		return fmt.Sprintf("fault (%s: %s)", s.Kind, s.Message)
	case Suspended:
		return "suspension on " + s.Call.Name
	default:
		return "unknown state"
	}
}

// normalize converts v into the plain JSON value space (maps, slices,
// strings, float64, bool, nil) so live runs and replays see identical
// types.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeSlice(in []any) ([]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func normalizeMap(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}
