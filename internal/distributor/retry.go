package distributor

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// RetryPolicy retries temporary source failures with jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// ShouldRetry reports whether a result deserves another attempt. Only
// temporary query failures qualify; conversion and logic errors never do.
func (p RetryPolicy) ShouldRetry(res spider.CrawlResult, attempt int) bool {
	if res.Status != spider.StatusFailed || !res.Retryable {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
