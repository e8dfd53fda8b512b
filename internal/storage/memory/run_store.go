package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// RunStore keeps run summaries in memory, newest last.
type RunStore struct {
	mu   sync.RWMutex
	runs []spider.RunSummary
}

var _ spider.RunStore = (*RunStore)(nil)

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{}
}

// SaveRun records summary, replacing an earlier pass with the same run and phase.
func (s *RunStore) SaveRun(_ context.Context, summary spider.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.runs {
		if existing.RunID == summary.RunID && existing.Phase == summary.Phase {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			break
		}
	}
	s.runs = append(s.runs, summary)
	return nil
}

// LastRun returns the most recently saved summary.
func (s *RunStore) LastRun(context.Context) (spider.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return spider.RunSummary{}, spider.ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// Runs returns every saved summary in save order.
func (s *RunStore) Runs() []spider.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]spider.RunSummary(nil), s.runs...)
}
