// Package ledger tracks which feedback questions the portal already accepted.
package ledger

// Option applies a configuration option to the in-memory ledger.
type Option func(*inMemoryLedger)

// WithMaxMeetings sets the maximum number of meetings kept in memory.
// If maxMeetings > 0: bounded mode, the oldest meeting is evicted first.
// If maxMeetings <= 0: unbounded mode.
func WithMaxMeetings(maxMeetings int) Option {
	return func(l *inMemoryLedger) {
		l.maxMeetings = maxMeetings
	}
}
