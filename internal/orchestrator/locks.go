package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// locks serializes requests per session. Entries are reference counted and
// dropped once nobody holds or waits for them.
type locks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLocks() *locks {
	return &locks{m: make(map[string]*lockEntry)}
}

// acquire blocks until key is free or ctx is done.
func (l *locks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.drop(key, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			l.drop(key, e)
		})
	}, nil
}

func (l *locks) drop(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, key)
	}
}

func (l *locks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
