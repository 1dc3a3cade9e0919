// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for tracker records and analytics rows.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
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

// NewRequestID returns a random UUIDv4 for request correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// NewToken returns a random token for lease ownership. It never fails;
// uuid.NewString panics only when the system entropy source is broken.
func NewToken() string {
	return uuid.NewString()
}
