// Package file implements a checkpoint store persisted as one JSON object
// mapping source name to epoch seconds.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/fsutil"
)

// Store is a file-backed spider.CheckpointStore. Every Set takes an advisory
// lock on <path>.lock, re-reads the file, merges its single entry and
// atomically replaces the file, so processes that commit different sources do
// not clobber each other.
type Store struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	logger *zap.Logger
}

// ErrCorrupt marks a checkpoint file that exists but does not decode.
var ErrCorrupt = errors.New("checkpoint file is corrupt")

const lockRetry = 20 * time.Millisecond

// New returns a Store rooted at path.
func New(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, lock: flock.New(path + ".lock"), logger: logger}, nil
}

// Get returns the watermark for source.
func (s *Store) Get(_ context.Context, source string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read()
	if err != nil {
		return time.Time{}, false, err
	}
	secs, ok := state[source]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// All returns every stored watermark.
func (s *Store) All(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(state))
	for name, secs := range state {
		out[name] = time.Unix(secs, 0).UTC()
	}
	return out, nil
}

// Set merges the watermark for source into the file. It waits for other
// processes holding the file lock until ctx ends.
func (s *Store) Set(ctx context.Context, source string, watermark time.Time) error {
	if source == "" {
		return fmt.Errorf("source name is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("checkpoint set: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("lock checkpoint: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock checkpoint: %s is held by another process", s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("checkpoint unlock failed", zap.String("path", s.lock.Path()), zap.Error(err))
		}
	}()

	state, err := s.read()
	switch {
	case errors.Is(err, ErrCorrupt):
		// A corrupt file is set aside rather than blocking progress forever.
		s.quarantine(err)
		state = map[string]int64{}
	case err != nil:
		return err
	}
	secs := watermark.Unix()
	if cur, ok := state[source]; ok && cur >= secs {
		return nil
	}
	state[source] = secs
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fsutil.WriteAtomic(s.path, bytes.NewReader(data), 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// quarantine moves the corrupt file to <path>.bak and logs whatever source
// names can still be recognized in it, since their watermarks are lost.
func (s *Store) quarantine(cause error) {
	backup := s.path + ".bak"
	raw, _ := os.ReadFile(s.path)
	fields := []zap.Field{
		zap.String("path", s.path),
		zap.String("backup", backup),
		zap.Strings("lost_sources", salvageNames(raw)),
		zap.Error(cause),
	}
	if err := os.Rename(s.path, backup); err != nil {
		fields = append(fields, zap.NamedError("backup_error", err))
	}
	s.logger.Warn("checkpoint file corrupt; starting a fresh state", fields...)
}

// salvageNames extracts the object keys that precede the point where
// decoding failed.
func salvageNames(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var names []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		name, ok := tok.(string)
		if !ok {
			break
		}
		names = append(names, name)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			break
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) read() (map[string]int64, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	state := map[string]int64{}
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return state, nil
}
