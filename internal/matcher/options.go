package matcher

import "time"

// Options are the Matcher's recognized options (§6).
type Options struct {
	MatchInterval          time.Duration
	PruneInterval          time.Duration
	MaxMatchesPerIteration int
	EmitEvents             bool

	// MaxTopBidSkips is the bounded retry-skip policy flagged as an open
	// question in §9: if > 0, a top bid that fails to validate against
	// every candidate on this many match attempts is removed from the
	// book (the count is kept for as long as the bid stays in the book;
	// attempts that find no candidates do not count and do not reset it) (via RemoveByID, logged, no outbound event —
	// §6 defines no eviction event type) rather than left to starve
	// lower bids forever. 0 (the default) preserves the documented
	// "leave it as specified" behavior.
	MaxTopBidSkips int
}

// DefaultOptions mirrors the §6 documented defaults.
func DefaultOptions() Options {
	return Options{
		MatchInterval:          10 * time.Millisecond,
		PruneInterval:          1 * time.Second,
		MaxMatchesPerIteration: 50,
		EmitEvents:             true,
		MaxTopBidSkips:         0,
	}
}
