package api

import "time"

// CorrelationRule watches the bus's recent-events window for an ordered
// sequence of event types and emits a derived event when it appears.
//
// Pattern is matched as a subsequence: the pattern's types must appear
// in order in the window, with unrelated events allowed in between.
// For each match the Predicate is evaluated on the matched tuple; when it
// returns true the Action runs and its draft (if non-nil) is published
// through the normal publish path, so derived events can themselves
// trigger further rules up to the configured cascade depth.
type CorrelationRule struct {
	Name    string
	Pattern []string

	// Predicate may be nil, which means "always emit".
	Predicate func(matched []Event) bool

	// Action builds the derived event. A nil return suppresses emission
	// for this match without counting as a failure.
	Action func(matched []Event) *EventDraft
}

// RuleStats is a point-in-time snapshot of a correlation rule's counters.
type RuleStats struct {
	Name      string
	Matches   int64
	Emitted   int64
	LastMatch time.Time
}
