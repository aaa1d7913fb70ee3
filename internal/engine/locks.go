package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// subjectLocks serializes cycles per subject. Entries are dropped when
// no cycle holds or waits for them.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*subjectLock)}
}

// lock blocks until subject is free or ctx is done, and returns the
// unlock func. A caller that gives up leaves the table as it found it.
func (s *subjectLocks) lock(ctx context.Context, subject string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[subject]
	if !ok {
		l = &subjectLock{sem: semaphore.NewWeighted(1)}
		s.locks[subject] = l
	}
	l.refs++
	s.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		s.drop(subject, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		s.drop(subject, l)
	}, nil
}

func (s *subjectLocks) drop(subject string, l *subjectLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, subject)
	}
}

func (s *subjectLocks) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
