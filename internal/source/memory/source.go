// Package memsource is an in-process spider.SourceClient backed by fixed
// ads. It serves dry runs from fixture files and drives pipeline tests.
package memsource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

var terminalStatuses = map[int64]bool{3: true, 4: true, 6: true}

// Source holds ads per source name.
type Source struct {
	mu      sync.Mutex
	sources []spider.Source
	ads     map[string][]spider.RawAd
	errs    map[string]error
	delay   time.Duration
	queries map[string]int
}

var _ spider.SourceClient = (*Source)(nil)

// New returns an empty Source.
func New() *Source {
	return &Source{
		ads:     make(map[string][]spider.RawAd),
		errs:    make(map[string]error),
		queries: make(map[string]int),
	}
}

// Add registers a source and its ads.
func (s *Source) Add(src spider.Source, ads ...spider.RawAd) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ads[src.Name]; !ok {
		s.sources = append(s.sources, src)
	}
	s.ads[src.Name] = append(s.ads[src.Name], ads...)
	return s
}

// Fail makes every query against name end with err after its ads.
func (s *Source) Fail(name string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[name] = err
	return s
}

// SetDelay pauses before yielding each ad, simulating a slow source.
func (s *Source) SetDelay(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Queries reports how many times name was queried.
func (s *Source) Queries(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[name]
}

// ListSources implements spider.SourceClient.
func (s *Source) ListSources(context.Context) ([]spider.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]spider.Source(nil), s.sources...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// History yields terminal ads whose status changed at or after since.
func (s *Source) History(ctx context.Context, src spider.Source, since time.Time) iter.Seq2[spider.RawAd, error] {
	return s.stream(ctx, src.Name, func(ad spider.RawAd) bool {
		if !terminalStatuses[ad.IntOr("JobStatus", -1)] {
			return false
		}
		changed, ok := ad.StatusChanged()
		return !ok || !changed.Before(since)
	})
}

// Queue yields live ads plus terminal ads completed at or after completedSince.
func (s *Source) Queue(ctx context.Context, src spider.Source, completedSince time.Time) iter.Seq2[spider.RawAd, error] {
	return s.stream(ctx, src.Name, func(ad spider.RawAd) bool {
		if !terminalStatuses[ad.IntOr("JobStatus", -1)] {
			return true
		}
		return ad.IntOr("CompletionDate", 0) >= completedSince.Unix()
	})
}

func (s *Source) stream(ctx context.Context, name string, keep func(spider.RawAd) bool) iter.Seq2[spider.RawAd, error] {
	return func(yield func(spider.RawAd, error) bool) {
		s.mu.Lock()
		s.queries[name]++
		ads := append([]spider.RawAd(nil), s.ads[name]...)
		failure := s.errs[name]
		delay := s.delay
		s.mu.Unlock()

		for _, ad := range ads {
			if !keep(ad) {
				continue
			}
			if delay > 0 {
				select {
				case <-ctx.Done():
					yield(spider.RawAd{}, &spider.QueryError{Source: name, Err: ctx.Err()})
					return
				case <-time.After(delay):
				}
			}
			if !yield(ad, nil) {
				return
			}
		}
		if failure != nil {
			yield(spider.RawAd{}, failure)
		}
	}
}

// LoadDir builds a Source from a directory of <source>.ndjson files, one
// ad per line.
func LoadDir(dir, pool string) (*Source, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("glob fixtures: %w", err)
	}
	s := New()
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".ndjson")
		ads, err := readNDJSON(path)
		if err != nil {
			return nil, err
		}
		s.Add(spider.Source{Name: name, Address: "file://" + path, Pool: pool}, ads...)
	}
	return s, nil
}

func readNDJSON(path string) ([]spider.RawAd, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer func() { _ = f.Close() }()

	var ads []spider.RawAd
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ad spider.RawAd
		if err := json.Unmarshal([]byte(text), &ad); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		ads = append(ads, ad)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ads, nil
}
