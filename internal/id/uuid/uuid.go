// Package uuid generates run, task and batch identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Generator creates time-ordered UUID v7 strings, so run IDs sort by start.
type Generator struct{}

var _ spider.IDGenerator = Generator{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. The API uses it to reject
// malformed request IDs before echoing them.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
