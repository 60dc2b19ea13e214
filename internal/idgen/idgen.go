// Package idgen provides short, URL-safe run IDs backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	RunPrefix = "run-"
	alphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	length    = 12
)

// RunID returns a new run identifier.
func RunID() (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return RunPrefix + id, nil
}
