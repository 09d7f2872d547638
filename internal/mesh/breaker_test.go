package mesh

import (
	"testing"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

func testBreakerConfig() api.BreakerConfig {
	return api.BreakerConfig{
		ErrorThreshold:    0.5,
		WindowSize:        4,
		ResetTimeout:      40 * time.Millisecond,
		HalfOpenSuccesses: 1,
	}
}

func mustAllow(t *testing.T, b *breaker) bool {
	t.Helper()
	probe, err := b.allow()
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	return probe
}

func TestBreakerStaysClosedUntilWindowFull(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)

	// Three failures in a window of four: not enough evidence yet.
	for i := 0; i < 3; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	if got := b.current(); got != api.BreakerClosed {
		t.Fatalf("expected closed before window fills, got %s", got)
	}
}

func TestBreakerTripsAtExactThreshold(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)

	// Two failures and two successes: ratio 0.5 == threshold, trips.
	outcomes := []bool{false, true, false, true}
	for _, success := range outcomes {
		mustAllow(t, b)
		b.record(success, false)
	}
	if got := b.current(); got != api.BreakerOpen {
		t.Fatalf("expected open at exact threshold, got %s", got)
	}
}

func TestOpenBreakerRejectsCalls(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.ResetTimeout = time.Hour
	b := newBreaker(cfg, nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}

	_, err := b.allow()
	if !api.IsKind(err, api.KindCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}

	time.Sleep(50 * time.Millisecond)

	probe, err := b.allow()
	if err != nil || !probe {
		t.Fatalf("expected probe admission, got probe=%v err=%v", probe, err)
	}
	if got := b.current(); got != api.BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}

	// Second caller while the probe is in flight.
	if _, err := b.allow(); !api.IsKind(err, api.KindCircuitOpen) {
		t.Fatalf("expected circuit_open while probe in flight, got %v", err)
	}

	b.record(true, probe)
	if got := b.current(); got != api.BreakerClosed {
		t.Fatalf("expected closed after probe success, got %s", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	time.Sleep(50 * time.Millisecond)

	probe, err := b.allow()
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	b.record(false, probe)

	if got := b.current(); got != api.BreakerOpen {
		t.Fatalf("expected reopened breaker, got %s", got)
	}
	if _, err := b.allow(); !api.IsKind(err, api.KindCircuitOpen) {
		t.Fatalf("expected circuit_open right after reopen, got %v", err)
	}
}

func TestHalfOpenRequiresConsecutiveSuccesses(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenSuccesses = 2
	b := newBreaker(cfg, nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	time.Sleep(50 * time.Millisecond)

	probe, err := b.allow()
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	b.record(true, probe)
	if got := b.current(); got != api.BreakerHalfOpen {
		t.Fatalf("one success must not close yet, got %s", got)
	}

	probe, err = b.allow()
	if err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	b.record(true, probe)
	if got := b.current(); got != api.BreakerClosed {
		t.Fatalf("expected closed after two successes, got %s", got)
	}
}

func TestHalfOpenStragglerSuccessDoesNotClose(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	time.Sleep(50 * time.Millisecond)

	if probe := mustAllow(t, b); !probe {
		t.Fatal("expected probe admission")
	}

	// A call admitted before the trip finishes now. Its success says
	// nothing about recovery and must not close the breaker.
	b.record(true, false)
	if got := b.current(); got != api.BreakerHalfOpen {
		t.Fatalf("straggler success closed the breaker, got %s", got)
	}

	b.record(true, true)
	if got := b.current(); got != api.BreakerClosed {
		t.Fatalf("expected closed after probe success, got %s", got)
	}
}

func TestRecordHealthReopensHalfOpenBreaker(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	time.Sleep(50 * time.Millisecond)
	mustAllow(t, b)
	if got := b.current(); got != api.BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}

	b.recordHealth(true)
	if got := b.current(); got != api.BreakerHalfOpen {
		t.Fatalf("health success must not close a half-open breaker, got %s", got)
	}

	b.recordHealth(false)
	if got := b.current(); got != api.BreakerOpen {
		t.Fatalf("expected health failure to reopen, got %s", got)
	}
}

func TestRecordHealthIgnoredWhileOpen(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.ResetTimeout = time.Hour
	b := newBreaker(cfg, nil)
	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}

	// Health probes must not admit traffic out of the open state.
	for i := 0; i < 10; i++ {
		b.recordHealth(true)
	}
	if got := b.current(); got != api.BreakerOpen {
		t.Fatalf("health probe changed an open breaker to %s", got)
	}
}

func TestRecordHealthTripsClosedBreaker(t *testing.T) {
	b := newBreaker(testBreakerConfig(), nil)
	for i := 0; i < 4; i++ {
		b.recordHealth(false)
	}
	if got := b.current(); got != api.BreakerOpen {
		t.Fatalf("expected probe failures to trip the breaker, got %s", got)
	}
}

func TestBreakerTransitionCallback(t *testing.T) {
	type transition struct{ from, to api.BreakerState }
	var seen []transition
	b := newBreaker(testBreakerConfig(), func(from, to api.BreakerState) {
		seen = append(seen, transition{from, to})
	})

	for i := 0; i < 4; i++ {
		mustAllow(t, b)
		b.record(false, false)
	}
	time.Sleep(50 * time.Millisecond)
	probe, err := b.allow()
	if err != nil {
		t.Fatalf("allow failed: %v", err)
	}
	b.record(true, probe)

	want := []transition{
		{api.BreakerClosed, api.BreakerOpen},
		{api.BreakerOpen, api.BreakerHalfOpen},
		{api.BreakerHalfOpen, api.BreakerClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %v, got %v", i, want[i], seen[i])
		}
	}
}
