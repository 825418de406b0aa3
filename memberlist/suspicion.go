package memberlist

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// suspicion manages the accelerating timer that fires when a suspected
// node should be declared dead. Each independent confirmation from a
// different peer shrinks the remaining timeout, down to a configured
// floor:
//
//	timeout(k) = max(min, max * (1 - log(1+k)/log(1+kmax)))
type suspicion struct {
	// n counts distinct confirmations received so far.
	n int64

	// k is the number of confirmations that saturate the acceleration.
	k int64

	min, max time.Duration

	start time.Time
	timer *time.Timer

	confirmLock sync.Mutex
	confirmed   map[string]struct{}

	timeoutFn func(numConfirmations int)
}

// newSuspicion starts a timer that will fire timeoutFn after min..max,
// shrinking toward min as confirmations arrive. from is excluded from
// counting as a confirmer since it is the node that raised the suspicion.
func newSuspicion(from string, k int, min, max time.Duration, timeoutFn func(numConfirmations int)) *suspicion {
	s := &suspicion{
		k:         int64(k),
		min:       min,
		max:       max,
		start:     time.Now(),
		confirmed: make(map[string]struct{}),
		timeoutFn: timeoutFn,
	}
	s.confirmed[from] = struct{}{}

	timeout := s.calcTimeout(0)
	s.timer = time.AfterFunc(timeout, func() {
		s.timeoutFn(int(atomic.LoadInt64(&s.n)))
	})
	return s
}

// calcTimeout computes the remaining timeout for n confirmations
// observed so far.
func (s *suspicion) calcTimeout(n int64) time.Duration {
	if s.k <= 0 || n <= 0 {
		return s.max
	}
	frac := math.Log(float64(n)+1) / math.Log(float64(s.k)+1)
	if frac > 1 {
		frac = 1
	}
	scale := 1.0 - frac
	d := time.Duration(float64(s.max) * scale)
	if d < s.min {
		d = s.min
	}
	return d
}

// Confirm registers a confirmation from peer, deduplicated by
// (suspect, confirmer); it accelerates the timer if this is a new
// confirmer and we have not already saturated k. Returns true if it
// caused a reset.
func (s *suspicion) Confirm(from string) bool {
	s.confirmLock.Lock()
	defer s.confirmLock.Unlock()

	if _, ok := s.confirmed[from]; ok {
		return false
	}
	if atomic.LoadInt64(&s.n) >= s.k {
		return false
	}
	s.confirmed[from] = struct{}{}
	n := atomic.AddInt64(&s.n, 1)

	elapsed := time.Since(s.start)
	remaining := s.calcTimeout(n) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return s.timer.Reset(remaining)
}

// Stop cancels the pending timeout.
func (s *suspicion) Stop() bool {
	return s.timer.Stop()
}
