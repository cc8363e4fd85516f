package engine

import (
	"strings"
	"sync"
)

// typeSemaphore is a channel-based semaphore limiting concurrent runs of one
// task type. Tokens are pre-filled up to limit.
//
// The limit is fixed for the life of the semaphore; a config reload that
// changes it takes effect after the executor restarts its loop.
type typeSemaphore struct {
	limit int
	ch    chan struct{}
}

func newTypeSemaphore(limit int) *typeSemaphore {
	if limit <= 0 {
		limit = 1
	}
	ts := &typeSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		ts.ch <- struct{}{}
	}
	return ts
}

func (g *typeSemaphore) available() bool {
	if g == nil {
		return true
	}
	return len(g.ch) > 0
}

func (g *typeSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *typeSemaphore) release() {
	if g == nil {
		return
	}
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// limiterStore holds per-task-type semaphores. Types without a configured
// limit have no semaphore and are bounded only by the worker pool.
type limiterStore struct {
	mu    sync.Mutex
	types map[string]*typeSemaphore
}

func (s *limiterStore) reset(limits map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[string]*typeSemaphore, len(limits))
	for name, n := range limits {
		name = strings.TrimSpace(name)
		if name == "" || n <= 0 {
			continue
		}
		s.types[name] = newTypeSemaphore(n)
	}
}

func (s *limiterStore) get(taskType string) *typeSemaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[taskType]
}
