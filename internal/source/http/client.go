// Package httpsource queries job records from source gateways over HTTP.
//
// The registry endpoint lists sources as a JSON array. Each source serves
// /history?since=<epoch> and /queue?completed_since=<epoch>, answering with
// newline-delimited JSON ads (a JSON array is accepted too).
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/condor-spider/internal/fetcher/colly"
	"github.com/JakeFAU/condor-spider/internal/policy/ratelimit"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Fetcher performs one GET.
type Fetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Config controls the client.
type Config struct {
	RegistryURL string
	// Pool is assigned to sources the registry reports without one.
	Pool string
	// ScheddFilter restricts ListSources to these names when non-empty.
	ScheddFilter []string
}

// Client implements spider.SourceClient.
type Client struct {
	cfg     Config
	fetcher Fetcher
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

var _ spider.SourceClient = (*Client)(nil)

// New builds a Client. A nil limiter disables throttling.
func New(cfg Config, fetcher Fetcher, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	return &Client{cfg: cfg, fetcher: fetcher, limiter: limiter, logger: logger.Named("source")}
}

type registryEntry struct {
	Name    string            `json:"name"`
	Address string            `json:"address"`
	Pool    string            `json:"pool"`
	Attrs   map[string]string `json:"attrs"`
}

// ListSources returns the registry's sources, filtered and sorted by name.
func (c *Client) ListSources(ctx context.Context) ([]spider.Source, error) {
	if c.cfg.RegistryURL == "" {
		return nil, errors.New("source registry url is empty")
	}
	if err := c.limiter.Wait(ctx, c.cfg.RegistryURL); err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Fetch(ctx, collyfetcher.Request{URL: c.cfg.RegistryURL})
	if err != nil {
		return nil, classify("registry", err)
	}
	var entries []registryEntry
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		return nil, fmt.Errorf("decode source registry: %w", err)
	}

	sources := make([]spider.Source, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Address == "" {
			c.logger.Warn("skipping registry entry without name or address", zap.String("name", e.Name))
			continue
		}
		if len(c.cfg.ScheddFilter) > 0 && !slices.Contains(c.cfg.ScheddFilter, e.Name) {
			continue
		}
		pool := e.Pool
		if pool == "" {
			pool = c.cfg.Pool
		}
		sources = append(sources, spider.Source{Name: e.Name, Address: e.Address, Pool: pool, Attrs: e.Attrs})
	}
	slices.SortFunc(sources, func(a, b spider.Source) int { return strings.Compare(a.Name, b.Name) })
	c.logger.Debug("listed sources", zap.Int("count", len(sources)))
	return sources, nil
}

// History implements spider.SourceClient.
func (c *Client) History(ctx context.Context, src spider.Source, since time.Time) iter.Seq2[spider.RawAd, error] {
	return c.query(ctx, src, "history", url.Values{"since": {strconv.FormatInt(since.Unix(), 10)}})
}

// Queue implements spider.SourceClient.
func (c *Client) Queue(ctx context.Context, src spider.Source, completedSince time.Time) iter.Seq2[spider.RawAd, error] {
	return c.query(ctx, src, "queue", url.Values{"completed_since": {strconv.FormatInt(completedSince.Unix(), 10)}})
}

func (c *Client) query(ctx context.Context, src spider.Source, endpoint string, params url.Values) iter.Seq2[spider.RawAd, error] {
	return func(yield func(spider.RawAd, error) bool) {
		target, err := endpointURL(src.Address, endpoint, params)
		if err != nil {
			yield(spider.RawAd{}, &spider.QueryError{Source: src.Name, Err: err})
			return
		}
		if err := c.limiter.Wait(ctx, target); err != nil {
			yield(spider.RawAd{}, &spider.QueryError{Source: src.Name, Err: err})
			return
		}
		resp, err := c.fetcher.Fetch(ctx, collyfetcher.Request{URL: target})
		if err != nil {
			yield(spider.RawAd{}, classify(src.Name, err))
			return
		}
		for ad, err := range decodeAds(resp.Body) {
			if err != nil {
				yield(spider.RawAd{}, &spider.QueryError{Source: src.Name, Err: fmt.Errorf("decode %s response: %w", endpoint, err)})
				return
			}
			if !yield(ad, nil) {
				return
			}
		}
	}
}

func endpointURL(address, endpoint string, params url.Values) (string, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse source address: %w", err)
	}
	u = u.JoinPath(endpoint)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// decodeAds streams ads out of an NDJSON body or a JSON array body.
func decodeAds(body []byte) iter.Seq2[spider.RawAd, error] {
	return func(yield func(spider.RawAd, error) bool) {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
			if _, err := dec.Token(); err != nil {
				yield(spider.RawAd{}, err)
				return
			}
		}
		for dec.More() {
			var fields map[string]any
			if err := dec.Decode(&fields); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(spider.RawAd{}, err)
				}
				return
			}
			if !yield(spider.NewRawAd(fields), nil) {
				return
			}
		}
	}
}

// classify marks failures worth retrying. Server-side errors and network
// trouble are temporary; cancellation and client errors are not.
func classify(source string, err error) error {
	var (
		statusErr *collyfetcher.StatusError
		netErr    net.Error
		temporary bool
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		temporary = false
	case errors.As(err, &statusErr):
		temporary = statusErr.Temporary()
	case errors.As(err, &netErr):
		temporary = true
	}
	return &spider.QueryError{Source: source, Err: err, Temporary: temporary}
}
