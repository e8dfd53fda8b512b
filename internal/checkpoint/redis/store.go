// Package redis implements a checkpoint store keeping one key per source, so
// workers on different machines commit without a merge step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "spider:checkpoint"

// advanceScript writes ARGV[1] only when it is newer than the stored value.
var advanceScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Store is a Redis-backed spider.CheckpointStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix uses "spider:checkpoint".
func New(client goredis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: strings.TrimSuffix(prefix, ":")}, nil
}

// Dial parses a redis:// URL and returns a Store with its own client.
func Dial(url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(goredis.NewClient(opts), prefix)
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *Store) key(source string) string {
	return s.prefix + ":" + source
}

// Get returns the watermark for source.
func (s *Store) Get(ctx context.Context, source string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.key(source)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get checkpoint %s: %w", source, err)
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode checkpoint %s: %w", source, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// Set atomically advances the watermark for source.
func (s *Store) Set(ctx context.Context, source string, watermark time.Time) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	if err := advanceScript.Run(ctx, s.client, []string{s.key(source)}, watermark.Unix()).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint %s: %w", source, err)
	}
	return nil
}

// All scans every checkpoint key under the prefix.
func (s *Store) All(ctx context.Context) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		source := strings.TrimPrefix(key, s.prefix+":")
		ts, ok, err := s.Get(ctx, source)
		if err != nil {
			return nil, err
		}
		if ok {
			out[source] = ts
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	return out, nil
}
