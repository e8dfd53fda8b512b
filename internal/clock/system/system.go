// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Clock implements spider.Clock using time.Now.
type Clock struct{}

var _ spider.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock pinned to one instant, used to freeze launch time.
type Fixed time.Time

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
