// Package search bulk-indexes documents into daily Elasticsearch indices.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Name is the sink name used in results and metrics.
const Name = "search"

const alreadyExists = "resource_already_exists_exception"

// Config configures the sink.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
	// Transport replaces the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Sink writes batches with the bulk API. Each document goes to the daily index
// of its own QDate. Index creation is attempted once per distinct index name
// and cached.
type Sink struct {
	client   *elasticsearch.Client
	prefix   string
	host     string
	mapping  []byte
	mu       sync.RWMutex
	provided map[string]bool
	logger   *zap.Logger
}

var _ spider.Sink = (*Sink)(nil)

// New builds the shared client. No request is made until the first write.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("search sink requires at least one address")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	mapping, err := json.Marshal(Mapping())
	if err != nil {
		return nil, fmt.Errorf("encode index mapping: %w", err)
	}
	prefix := cfg.IndexPrefix
	if prefix == "" {
		prefix = "cms"
	}
	host, _ := os.Hostname()
	return &Sink{
		client:   client,
		prefix:   prefix,
		host:     host,
		mapping:  mapping,
		provided: make(map[string]bool),
		logger:   logger.Named("search"),
	}, nil
}

// Name implements spider.Sink.
func (s *Sink) Name() string { return Name }

// IndexName returns the daily index for t.
func (s *Sink) IndexName(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006-01-02")
}

// indexTimeFields are consulted in order to place a document. Both are fixed
// for a given DocumentID, so a re-delivered document lands in the same index.
var indexTimeFields = []string{"QDate", "RecordTime"}

// IndexFor returns the daily index for doc, falling back to fallback when the
// document carries no usable timestamp.
func (s *Sink) IndexFor(doc spider.Document, fallback time.Time) string {
	for _, field := range indexTimeFields {
		if v, ok := spider.AsInt(doc[field]); ok && v > 0 {
			return s.IndexName(time.Unix(v, 0))
		}
	}
	return s.IndexName(fallback)
}

// Write bulk-upserts the batch keyed by document ID. Per-item failures are
// counted by error type; only a failed bulk request is returned as an error.
func (s *Sink) Write(ctx context.Context, batch spider.Batch) (spider.SinkResult, error) {
	res := spider.SinkResult{Sink: Name}
	if batch.Len() == 0 {
		return res, nil
	}
	created := batch.Created
	if created.IsZero() {
		created = time.Now()
	}
	indices := make([]string, len(batch.Items))
	seen := make(map[string]bool)
	for i, item := range batch.Items {
		indices[i] = s.IndexFor(item.Doc, created)
		if !seen[indices[i]] {
			seen[indices[i]] = true
			s.ensureIndex(ctx, indices[i])
		}
	}

	body, err := s.bulkBody(indices, batch, created)
	if err != nil {
		return res, err
	}
	resp, err := s.client.Bulk(bytes.NewReader(body), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return res, fmt.Errorf("bulk request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("bulk request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return res, fmt.Errorf("decode bulk response: %w", err)
	}
	for _, item := range parsed.Items {
		for _, outcome := range item {
			if outcome.Status >= 200 && outcome.Status < 300 {
				res.Accepted++
				continue
			}
			reason := "unknown"
			if outcome.Error != nil && outcome.Error.Type != "" {
				reason = outcome.Error.Type
			}
			res.Reject(reason, 1)
		}
	}
	if n := batch.Len() - res.Accepted - res.Rejected; n > 0 {
		res.Reject("missing_item", n)
	}
	return res, nil
}

type bulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemInfo `json:"items"`
}

type bulkItemInfo struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func (s *Sink) bulkBody(indices []string, batch spider.Batch, created time.Time) ([]byte, error) {
	metadata := map[string]any{
		"spider_source":  "condor_" + string(batch.Phase),
		"spider_runtime": created.Unix(),
		"spider_host":    s.host,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, item := range batch.Items {
		action := map[string]any{"index": map[string]string{"_index": indices[i], "_id": string(item.ID)}}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		doc := make(map[string]any, len(item.Doc)+1)
		for k, v := range item.Doc {
			doc[k] = v
		}
		doc["metadata"] = metadata
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode document %s: %w", item.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// ensureIndex creates index with the spider mapping once. "Already exists"
// counts as success; other failures are logged and retried on a later batch.
func (s *Sink) ensureIndex(ctx context.Context, index string) {
	s.mu.RLock()
	done := s.provided[index]
	s.mu.RUnlock()
	if done {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provided[index] {
		return
	}
	resp, err := s.client.Indices.Create(index,
		s.client.Indices.Create.WithBody(bytes.NewReader(s.mapping)),
		s.client.Indices.Create.WithContext(ctx))
	if err != nil {
		s.logger.Warn("index creation failed", zap.String("index", index), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.IsError() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if !strings.Contains(string(body), alreadyExists) {
			s.logger.Warn("index creation rejected",
				zap.String("index", index),
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", body))
			return
		}
	} else {
		s.logger.Info("created index", zap.String("index", index))
	}
	s.provided[index] = true
}
