package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicyStartDefaultsToInitialWindow(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.InitialWindow = time.Hour
	got := p.Start("vocms0001", time.Time{}, false, now)
	assert.Equal(t, now.Add(-time.Hour), got)
}

func TestPolicyStartUsesStoredWatermark(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	stored := now.Add(-3 * time.Hour)
	assert.Equal(t, stored, p.Start("vocms0001", stored, true, now))
}

func TestPolicyClampsToRetention(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	stale := now.Add(-90 * 24 * time.Hour)
	assert.Equal(t, now.Add(-p.Retention), p.Start("vocms0001", stale, true, now))
}

func TestPolicyBoundsBurstySources(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.BurstyMaxLookback = 6 * time.Hour
	stale := now.Add(-48 * time.Hour)

	assert.Equal(t, now.Add(-6*time.Hour), p.Start("crab3@vocms0155", stale, true, now))
	assert.Equal(t, stale, p.Start("vocms0155", stale, true, now))

	recent := now.Add(-time.Hour)
	assert.Equal(t, recent, p.Start("crab3@vocms0155", recent, true, now))
}

func TestPolicyQueryFromAppliesOverlap(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	assert.Equal(t, now.Add(-720*time.Second), p.QueryFrom(now))
}

func TestAdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	prev := now
	assert.Equal(t, prev, Advance(prev, true, now.Add(-time.Minute)))
	assert.Equal(t, now.Add(time.Minute), Advance(prev, true, now.Add(time.Minute)))
	assert.Equal(t, now.Add(-time.Minute), Advance(time.Time{}, false, now.Add(-time.Minute)))
}
