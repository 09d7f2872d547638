package bus

import (
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// ring is a bounded event buffer. Appending beyond capacity evicts the
// oldest event. It is not safe for concurrent use; the bus serializes
// access through its history lock.
type ring struct {
	buf   []api.Event
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]api.Event, capacity)}
}

func (r *ring) append(ev api.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	// Full: overwrite the oldest slot.
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// events returns the retained events oldest-first as a fresh slice.
func (r *ring) events() []api.Event {
	out := make([]api.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// pruneBefore drops events older than cutoff. Events are appended in
// time order, so eviction only ever shortens the front.
func (r *ring) pruneBefore(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 {
		oldest := r.buf[r.start]
		if !oldest.Time.Before(cutoff) {
			break
		}
		r.buf[r.start] = api.Event{}
		r.start = (r.start + 1) % len(r.buf)
		r.count--
		dropped++
	}
	return dropped
}

// resize grows the ring to at least capacity, preserving contents.
// Shrinking is not supported; a smaller capacity is ignored.
func (r *ring) resize(capacity int) {
	if capacity <= len(r.buf) {
		return
	}
	evs := r.events()
	r.buf = make([]api.Event, capacity)
	r.start = 0
	r.count = copy(r.buf, evs)
}

func (r *ring) len() int { return r.count }

func (r *ring) capacity() int { return len(r.buf) }
