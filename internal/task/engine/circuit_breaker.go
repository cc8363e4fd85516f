package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for a single task type.
//
// While open, the type is left out of the claim request so jobs of that
// type stay queued for other executors (or for later):
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// get must be called with s.mu held.
func (s *circuitStore) get(key string) *circuitState {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[k]
	if st == nil {
		st = &circuitState{}
		s.m[k] = st
	}
	return st
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	if cfg.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	return circuitCfg{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

// resetIfQuiet clears a circuit whose last failure is older than resetAfter.
func (cc circuitCfg) resetIfQuiet(now time.Time, st *circuitState) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, taskType string, cfg Config) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(taskType)
	if st == nil {
		return false, time.Time{}
	}
	cc.resetIfQuiet(now, st)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// circuitRecordResult returns the new open-until time when this failure
// tripped the circuit, or the zero time.
func (s *Service) circuitRecordResult(now time.Time, taskType string, cfg Config, err error) time.Time {
	cc := effectiveCircuitCfg(cfg)
	if !cc.enabled {
		return time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(taskType)
	if st == nil {
		return time.Time{}
	}
	cc.resetIfQuiet(now, st)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return time.Time{}
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return time.Time{}
	}

	// Exponential cooldown after tripping.
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
	return st.openUntil
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if !effectiveCircuitCfg(cfg).enabled {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
