// Package checkpoint decides where a source's next crawl starts and hosts the
// watermark store implementations.
package checkpoint

import (
	"strings"
	"time"
)

// Policy turns a stored watermark into the start of the next query window.
type Policy struct {
	// InitialWindow bounds the first crawl of a source without a checkpoint.
	InitialWindow time.Duration
	// BurstyPrefixes select sources that never look back more than BurstyMaxLookback.
	BurstyPrefixes    []string
	BurstyMaxLookback time.Duration
	// Retention is the hard horizon; older watermarks are clamped forward to it.
	Retention time.Duration
	// Overlap is subtracted from the start to catch boundary and clock-skew changes.
	Overlap time.Duration
}

// DefaultPolicy mirrors the production tuning.
func DefaultPolicy() Policy {
	return Policy{
		InitialWindow:     12 * time.Hour,
		BurstyPrefixes:    []string{"crab"},
		BurstyMaxLookback: 12 * time.Hour,
		Retention:         39 * 24 * time.Hour,
		Overlap:           720 * time.Second,
	}
}

// Start returns the effective watermark for source. stored/ok come from the
// checkpoint store.
func (p Policy) Start(source string, stored time.Time, ok bool, now time.Time) time.Time {
	start := stored
	if !ok || stored.IsZero() {
		start = now.Add(-p.InitialWindow)
	}
	if p.Retention > 0 {
		if horizon := now.Add(-p.Retention); start.Before(horizon) {
			start = horizon
		}
	}
	if p.IsBursty(source) && p.BurstyMaxLookback > 0 {
		if limit := now.Add(-p.BurstyMaxLookback); start.Before(limit) {
			start = limit
		}
	}
	return start
}

// QueryFrom applies the overlap margin to a window start.
func (p Policy) QueryFrom(start time.Time) time.Time {
	return start.Add(-p.Overlap)
}

// IsBursty reports whether source matches one of the bursty prefixes.
func (p Policy) IsBursty(source string) bool {
	for _, prefix := range p.BurstyPrefixes {
		if prefix != "" && strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return false
}

// Advance returns the watermark to persist after a successful crawl: the
// later of the previous watermark and the newest observed status change.
func Advance(previous time.Time, hadPrevious bool, observed time.Time) time.Time {
	if hadPrevious && previous.After(observed) {
		return previous
	}
	return observed
}
