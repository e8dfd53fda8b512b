package affiliation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/condor-spider/internal/fetcher/colly"
	"github.com/JakeFAU/condor-spider/internal/fsutil"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Fetcher retrieves the upstream people directory.
type Fetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// person is one entry of the upstream accounts directory.
type person struct {
	Profiles         []map[string]any `json:"profiles"`
	Institute        *string          `json:"institute"`
	InstituteCountry string           `json:"institute_country"`
	DN               string           `json:"dn"`
}

// Refresher rebuilds the cache file from the accounts service.
type Refresher struct {
	cache   *Cache
	fetcher Fetcher
	url     string
	maxAge  time.Duration
	clock   spider.Clock
	logger  *zap.Logger
}

// NewRefresher wires a refresher for cache.
func NewRefresher(cache *Cache, fetcher Fetcher, url string, maxAge time.Duration, clock spider.Clock, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		cache:   cache,
		fetcher: fetcher,
		url:     url,
		maxAge:  maxAge,
		clock:   clock,
		logger:  logger.Named("affiliation_refresh"),
	}
}

// Stale reports whether the cache file is missing or older than maxAge.
func (r *Refresher) Stale() (bool, error) {
	info, err := os.Stat(r.cache.Path())
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat affiliation cache: %w", err)
	}
	return r.clock.Now().Sub(info.ModTime()) > r.maxAge, nil
}

// Refresh rebuilds the cache when stale, or unconditionally when force is
// set. It reports whether a new directory was written. An empty or failed
// rebuild leaves the existing file and snapshot untouched.
func (r *Refresher) Refresh(ctx context.Context, force bool) (bool, error) {
	if !force {
		stale, err := r.Stale()
		if err != nil {
			return false, err
		}
		if !stale {
			r.logger.Debug("affiliation cache is fresh", zap.String("path", r.cache.Path()))
			return false, nil
		}
	}

	resp, err := r.fetcher.Fetch(ctx, collyfetcher.Request{URL: r.url})
	if err != nil {
		return false, fmt.Errorf("fetch affiliation directory: %w", err)
	}
	dir, err := parseDirectory(resp.Body)
	if err != nil {
		return false, fmt.Errorf("parse affiliation directory: %w", err)
	}
	if len(dir) == 0 {
		r.logger.Warn("affiliation directory is empty, keeping previous cache", zap.String("url", r.url))
		return false, nil
	}

	data, err := encode(dir)
	if err != nil {
		return false, fmt.Errorf("encode affiliation cache: %w", err)
	}
	if err := fsutil.WriteAtomic(r.cache.Path(), bytes.NewReader(data), 0o644); err != nil {
		return false, err
	}
	r.cache.Replace(dir)
	r.logger.Info("affiliation cache rebuilt", zap.Int("entries", len(dir)), zap.String("path", r.cache.Path()))
	return true, nil
}

// Run refreshes on every tick until ctx is done. Failures are logged.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx, false); err != nil {
				r.logger.Error("affiliation refresh failed", zap.Error(err))
			}
		}
	}
}

// parseDirectory inverts the accounts listing into login -> affiliation.
// People without a login profile or an institute are skipped.
func parseDirectory(body []byte) (Directory, error) {
	var people map[string]person
	if err := json.Unmarshal(body, &people); err != nil {
		return nil, err
	}
	dir := make(Directory, len(people))
	for _, p := range people {
		if p.Institute == nil {
			continue
		}
		login := ""
		for _, profile := range p.Profiles {
			if v, ok := profile["login"].(string); ok {
				login = v
				break
			}
		}
		if login == "" {
			continue
		}
		dir[login] = spider.Affiliation{
			Institute: *p.Institute,
			Country:   p.InstituteCountry,
			DN:        p.DN,
		}
	}
	return dir, nil
}
