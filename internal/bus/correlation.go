package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// recentWindowFactor sizes the global recent-events window relative to
// the longest registered pattern.
const recentWindowFactor = 10

// minRecentWindow is the floor for the recent window so short patterns
// still see a useful slice of history.
const minRecentWindow = 64

// correlator matches ordered sequence patterns against the recent-events
// window and emits derived events after each publish.
type correlator struct {
	mu    sync.Mutex
	rules map[string]*rule
}

type rule struct {
	spec api.CorrelationRule

	matches   atomic.Int64
	emitted   atomic.Int64
	lastMatch atomic.Int64 // unix nanos

	// lastTuple is the event-id tuple of the last successful emission,
	// used to de-duplicate matches across scans. Guarded by the
	// correlator mutex.
	lastTuple []int64
}

func newCorrelator() *correlator {
	return &correlator{rules: make(map[string]*rule)}
}

func (c *correlator) add(spec api.CorrelationRule) error {
	if spec.Name == "" {
		return api.Errorf(api.KindInvalidInput, "correlation rule needs a name")
	}
	if len(spec.Pattern) == 0 {
		return api.Errorf(api.KindInvalidInput, "correlation rule %s has an empty pattern", spec.Name)
	}
	if spec.Action == nil {
		return api.Errorf(api.KindInvalidInput, "correlation rule %s has no action", spec.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[spec.Name]; ok {
		return api.Errorf(api.KindInvalidInput, "correlation rule %s already exists", spec.Name)
	}
	c.rules[spec.Name] = &rule{spec: spec}
	return nil
}

func (c *correlator) remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rules[name]
	delete(c.rules, name)
	return ok
}

// maxPatternLen returns the longest registered pattern, for sizing the
// recent-events window.
func (c *correlator) maxPatternLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	max := 0
	for _, r := range c.rules {
		if n := len(r.spec.Pattern); n > max {
			max = n
		}
	}
	return max
}

func (c *correlator) stats() []api.RuleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.RuleStats, 0, len(c.rules))
	for _, r := range c.rules {
		var last time.Time
		if ns := r.lastMatch.Load(); ns != 0 {
			last = time.Unix(0, ns)
		}
		out = append(out, api.RuleStats{
			Name:      r.spec.Name,
			Matches:   r.matches.Load(),
			Emitted:   r.emitted.Load(),
			LastMatch: last,
		})
	}
	return out
}

// scan runs every rule against the window after ev was appended to it.
// Only matches that end at ev are considered; earlier combinations were
// already scanned when their final event arrived. Derived events are
// published through b at depth+1, so cascades stay bounded.
func (c *correlator) scan(ctx context.Context, b *Bus, window []api.Event, ev api.Event, depth int) {
	c.mu.Lock()
	rules := make([]*rule, 0, len(c.rules))
	for _, r := range c.rules {
		rules = append(rules, r)
	}
	c.mu.Unlock()

	for _, r := range rules {
		c.scanRule(ctx, b, r, window, ev, depth)
	}
}

func (c *correlator) scanRule(ctx context.Context, b *Bus, r *rule, window []api.Event, ev api.Event, depth int) {
	pattern := r.spec.Pattern
	if pattern[len(pattern)-1] != ev.Type {
		return
	}

	matches := findMatches(window, pattern, b.cfg.MaxMatchesPerScan)
	for _, idx := range matches {
		matched := make([]api.Event, len(idx))
		tuple := make([]int64, len(idx))
		for i, j := range idx {
			matched[i] = window[j]
			tuple[i] = window[j].ID
		}

		c.mu.Lock()
		dup := slices.Equal(tuple, r.lastTuple)
		c.mu.Unlock()
		if dup {
			continue
		}

		r.matches.Add(1)
		r.lastMatch.Store(time.Now().UnixNano())

		if r.spec.Predicate != nil && !r.spec.Predicate(matched) {
			continue
		}

		draft := c.runAction(b, r, matched)
		if draft == nil {
			continue
		}

		if depth+1 > b.cfg.MaxCascadeDepth {
			b.log.Warn("correlation cascade depth exceeded, dropping emission",
				slog.String("rule", r.spec.Name),
				slog.Int("depth", depth+1),
			)
			continue
		}

		c.mu.Lock()
		r.lastTuple = tuple
		c.mu.Unlock()
		r.emitted.Add(1)

		if _, err := b.publishDraft(ctx, *draft, depth+1); err != nil {
			b.log.Error("correlation emission rejected",
				slog.String("rule", r.spec.Name),
				slog.Any("error", err),
			)
		}
	}
}

func (c *correlator) runAction(b *Bus, r *rule, matched []api.Event) (draft *api.EventDraft) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.Error("correlation action panic",
				slog.String("rule", r.spec.Name),
				slog.Any("panic", rec),
			)
			draft = nil
		}
	}()
	return r.spec.Action(matched)
}

// findMatches enumerates position tuples i1 < i2 < ... < im in window
// such that window[ij].Type == pattern[j], with the last position fixed
// at the end of the window. At most max tuples are returned.
func findMatches(window []api.Event, pattern []string, max int) [][]int {
	if len(window) < len(pattern) || max <= 0 {
		return nil
	}
	last := len(window) - 1
	if window[last].Type != pattern[len(pattern)-1] {
		return nil
	}

	var out [][]int
	prefix := make([]int, 0, len(pattern))

	var walk func(patIdx, from int)
	walk = func(patIdx, from int) {
		if len(out) >= max {
			return
		}
		if patIdx == len(pattern)-1 {
			match := make([]int, len(pattern))
			copy(match, prefix)
			match[len(pattern)-1] = last
			out = append(out, match)
			return
		}
		for i := from; i < last; i++ {
			if window[i].Type != pattern[patIdx] {
				continue
			}
			prefix = append(prefix, i)
			walk(patIdx+1, i+1)
			prefix = prefix[:len(prefix)-1]
			if len(out) >= max {
				return
			}
		}
	}
	walk(0, 0)
	return out
}
