// Package affiliation resolves job submitters to their home institute.
package affiliation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Directory maps a login to its affiliation.
type Directory map[string]spider.Affiliation

type record struct {
	Institute string `json:"institute"`
	Country   string `json:"country"`
	DN        string `json:"dn"`
}

type snapshot struct {
	byLogin Directory
	byDN    map[string]spider.Affiliation
}

func newSnapshot(dir Directory) *snapshot {
	s := &snapshot{
		byLogin: make(Directory, len(dir)),
		byDN:    make(map[string]spider.Affiliation, len(dir)),
	}
	for login, aff := range dir {
		s.byLogin[login] = aff
		if aff.DN != "" {
			s.byDN[aff.DN] = aff
		}
	}
	return s
}

// Cache is a read-mostly affiliation directory. Readers never block; a
// refresh swaps in a whole new snapshot.
type Cache struct {
	path   string
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

var _ spider.AffiliationLookup = (*Cache)(nil)

// NewCache returns an empty cache bound to path.
func NewCache(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{path: path, logger: logger.Named("affiliation")}
	c.snap.Store(newSnapshot(nil))
	return c
}

// Path returns the backing file.
func (c *Cache) Path() string { return c.path }

// Load replaces the snapshot with the file contents. A missing file leaves
// the cache empty and is not an error.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("affiliation cache file not found, lookups disabled", zap.String("path", c.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read affiliation cache: %w", err)
	}
	dir, err := decode(data)
	if err != nil {
		return fmt.Errorf("decode affiliation cache %s: %w", c.path, err)
	}
	c.Replace(dir)
	c.logger.Info("affiliation cache loaded", zap.Int("entries", len(dir)))
	return nil
}

// Replace swaps in a new directory.
func (c *Cache) Replace(dir Directory) {
	c.snap.Store(newSnapshot(dir))
}

// Len returns the number of logins known.
func (c *Cache) Len() int {
	return len(c.snap.Load().byLogin)
}

// Lookup resolves by login.
func (c *Cache) Lookup(login string) (spider.Affiliation, bool) {
	if login == "" {
		return spider.Affiliation{}, false
	}
	aff, ok := c.snap.Load().byLogin[login]
	return aff, ok
}

// LookupSubject resolves by certificate subject.
func (c *Cache) LookupSubject(dn string) (spider.Affiliation, bool) {
	if dn == "" {
		return spider.Affiliation{}, false
	}
	aff, ok := c.snap.Load().byDN[dn]
	return aff, ok
}

func decode(data []byte) (Directory, error) {
	var raw map[string]record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	dir := make(Directory, len(raw))
	for login, r := range raw {
		dir[login] = spider.Affiliation(r)
	}
	return dir, nil
}

func encode(dir Directory) ([]byte, error) {
	raw := make(map[string]record, len(dir))
	for login, aff := range dir {
		raw[login] = record(aff)
	}
	return json.Marshal(raw)
}
