package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func mustLock(t *testing.T, locks *subjectLocks, subject string) func() {
	t.Helper()
	unlock, err := locks.lock(context.Background(), subject)
	if err != nil {
		t.Fatalf("lock(%q): %v", subject, err)
	}
	return unlock
}

func TestSubjectLocks_Serializes(t *testing.T) {
	locks := newSubjectLocks()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.lock(context.Background(), "tenant-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()

			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("lock table holds %d entries after release, want 0", n)
	}
}

func TestSubjectLocks_IndependentSubjects(t *testing.T) {
	locks := newSubjectLocks()

	unlockA := mustLock(t, locks, "a")
	done := make(chan struct{})
	go func() {
		unlock, err := locks.lock(context.Background(), "b")
		if err == nil {
			unlock()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}

func TestSubjectLocks_WaiterHonorsContext(t *testing.T) {
	locks := newSubjectLocks()
	unlock := mustLock(t, locks, "tenant-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := locks.lock(ctx, "tenant-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("lock err = %v, want deadline exceeded", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("waiter blocked %v after its deadline", waited)
	}

	// The abandoned wait must not leak a reference.
	unlock()
	if n := locks.len(); n != 0 {
		t.Errorf("lock table holds %d entries after release, want 0", n)
	}
	mustLock(t, locks, "tenant-1")()
}
