// Package connwatch tracks whether the model providers the engine
// depends on are reachable.
//
// httpkit retries sub-second dial errors inside a single request.
// connwatch covers the longer outages: a local Ollama restarting or a
// remote API being unreachable for minutes. Each [Watcher] probes one
// service in a loop. While the service is up it is polled at a fixed
// interval; while it is down probes back off exponentially up to a cap,
// so a recovered service is noticed quickly without hammering a dead one.
package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Poll is the interval between probes while the service is up.
	Poll time.Duration
	// Retry is the first delay after a failure. It doubles on each
	// consecutive failure up to MaxRetry.
	Retry    time.Duration
	MaxRetry time.Duration
	// Timeout bounds each probe.
	Timeout time.Duration
}

// DefaultSchedule polls every minute and retries from 2s up to 60s.
func DefaultSchedule() Schedule {
	return Schedule{
		Poll:     60 * time.Second,
		Retry:    2 * time.Second,
		MaxRetry: 60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	s.Poll = cmp.Or(s.Poll, d.Poll)
	s.Retry = cmp.Or(s.Retry, d.Retry)
	s.MaxRetry = cmp.Or(s.MaxRetry, d.MaxRetry)
	s.Timeout = cmp.Or(s.Timeout, d.Timeout)
	if s.MaxRetry < s.Retry {
		s.MaxRetry = s.Retry
	}
	return s
}

// ServiceStatus is one service's health, as served on /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	LastCheck time.Time `json:"last_check,omitzero"`
	Since     time.Time `json:"since,omitzero"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single service until its context ends.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	onChange func(ServiceStatus)
	logger   *slog.Logger
	done     chan struct{}

	mu     sync.Mutex
	status ServiceStatus
}

// Status returns the latest probe result.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	retry := w.schedule.Retry
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.schedule.Poll
		if err != nil {
			wait = retry
			retry = min(retry*2, w.schedule.MaxRetry)
		} else {
			retry = w.schedule.Retry
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the result, reporting transitions.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.schedule.Timeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	w.mu.Lock()
	prev := w.status
	next := prev
	next.Checked = true
	next.LastCheck = now
	next.Ready = err == nil
	if err != nil {
		next.Failures++
		next.LastError = err.Error()
	} else {
		next.Failures = 0
		next.LastError = ""
	}
	changed := !prev.Checked || prev.Ready != next.Ready
	if changed {
		next.Since = now
	}
	w.status = next
	w.mu.Unlock()

	switch {
	case changed && next.Ready:
		w.logger.Info("service reachable", "service", w.name)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", next.Failures, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(next)
	}
	return err
}

// Manager owns a set of watchers.
type Manager struct {
	schedule Schedule
	logger   *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	cancels  []context.CancelFunc
}

// NewManager creates a manager whose watchers use schedule. Zero
// fields take their [DefaultSchedule] values.
func NewManager(schedule Schedule, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		schedule: schedule.withDefaults(),
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service in the background until ctx is
// cancelled or Stop is called. onChange, if set, is called on every
// ready/unreachable transition, including the first probe result.
//
// Panics if name is empty, already watched, or probe is nil.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, onChange func(ServiceStatus)) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[name]; dup {
		panic("connwatch: duplicate watcher " + name)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: m.schedule,
		onChange: onChange,
		logger:   m.logger,
		done:     make(chan struct{}),
		status:   ServiceStatus{Name: name},
	}
	m.watchers[name] = w
	m.cancels = append(m.cancels, cancel)

	go w.run(wctx)
	return w
}

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	slices.SortFunc(out, func(a, b ServiceStatus) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancels := slices.Clone(m.cancels)
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
}
