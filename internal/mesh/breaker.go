package mesh

import (
	"sync"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// breaker is the per-service circuit breaker: a sliding window of the
// last WindowSize call outcomes and a three-state admission gate.
// Transitions are atomic with respect to call admission; a caller racing
// a transition observes the post-transition state.
type breaker struct {
	cfg api.BreakerConfig

	mu       sync.Mutex
	state    api.BreakerState
	window   []bool // true = failure
	idx      int
	count    int
	failures int
	lastTrip time.Time

	probeInFlight bool
	streak        int // consecutive half-open successes

	// onTransition is invoked outside the lock after a state change.
	onTransition func(from, to api.BreakerState)
}

func newBreaker(cfg api.BreakerConfig, onTransition func(from, to api.BreakerState)) *breaker {
	def := api.DefaultMeshConfig().Breaker
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	return &breaker{
		cfg:          cfg,
		state:        api.BreakerClosed,
		window:       make([]bool, cfg.WindowSize),
		onTransition: onTransition,
	}
}

// allow decides whether a call may proceed. The bool result marks the
// call as the half-open probe; the caller must report it via record.
func (b *breaker) allow() (probe bool, err error) {
	b.mu.Lock()

	switch b.state {
	case api.BreakerClosed:
		b.mu.Unlock()
		return false, nil

	case api.BreakerOpen:
		if time.Since(b.lastTrip) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, api.Errorf(api.KindCircuitOpen, "circuit is open")
		}
		// Reset timeout elapsed: move to half-open and admit this
		// caller as the probe.
		from := b.state
		b.state = api.BreakerHalfOpen
		b.probeInFlight = true
		b.streak = 0
		b.mu.Unlock()
		b.fire(from, api.BreakerHalfOpen)
		return true, nil

	case api.BreakerHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false, api.Errorf(api.KindCircuitOpen, "circuit is half-open, probe in flight")
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return true, nil
	}

	b.mu.Unlock()
	return false, api.Errorf(api.KindCircuitOpen, "circuit in unknown state")
}

// record reports a call outcome. probe must be the value allow returned
// for the same call.
func (b *breaker) record(success, probe bool) {
	b.mu.Lock()
	var from, to api.BreakerState

	switch b.state {
	case api.BreakerHalfOpen:
		if probe {
			b.probeInFlight = false
		}
		if success {
			// A straggler admitted before the trip must not close the
			// breaker; only probe successes advance the streak.
			if probe {
				b.streak++
				if b.streak >= b.cfg.HalfOpenSuccesses {
					from, to = b.state, api.BreakerClosed
					b.toClosedLocked()
				}
			}
		} else {
			from, to = b.state, api.BreakerOpen
			b.toOpenLocked()
		}

	case api.BreakerClosed:
		b.push(!success)
		if b.count == len(b.window) && b.failureRatio() >= b.cfg.ErrorThreshold {
			from, to = b.state, api.BreakerOpen
			b.toOpenLocked()
		}

	case api.BreakerOpen:
		// A straggler finishing after the trip; the window was reset.
	}
	b.mu.Unlock()

	if to != "" {
		b.fire(from, to)
	}
}

// recordHealth feeds a health-probe outcome into the breaker. While
// closed, probe outcomes fill the window like user calls; while
// half-open, a probe failure reopens the breaker. Admission out of the
// open state stays reserved for a real call.
func (b *breaker) recordHealth(success bool) {
	b.mu.Lock()
	var from, to api.BreakerState
	switch b.state {
	case api.BreakerClosed:
		b.push(!success)
		if b.count == len(b.window) && b.failureRatio() >= b.cfg.ErrorThreshold {
			from, to = b.state, api.BreakerOpen
			b.toOpenLocked()
		}
	case api.BreakerHalfOpen:
		if !success {
			from, to = b.state, api.BreakerOpen
			b.toOpenLocked()
		}
	}
	b.mu.Unlock()

	if to != "" {
		b.fire(from, to)
	}
}

func (b *breaker) current() api.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) push(failure bool) {
	if b.count == len(b.window) {
		if b.window[b.idx] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.idx] = failure
	if failure {
		b.failures++
	}
	b.idx = (b.idx + 1) % len(b.window)
}

func (b *breaker) failureRatio() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

func (b *breaker) toOpenLocked() {
	b.state = api.BreakerOpen
	b.lastTrip = time.Now()
	b.probeInFlight = false
	b.streak = 0
	b.resetWindowLocked()
}

func (b *breaker) toClosedLocked() {
	b.state = api.BreakerClosed
	b.probeInFlight = false
	b.streak = 0
	b.resetWindowLocked()
}

func (b *breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.idx = 0
	b.count = 0
	b.failures = 0
}

func (b *breaker) fire(from, to api.BreakerState) {
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}
