// Package storage holds the durable side effects of a decision: the
// coordinator's artifact write and the user node's resource deletion.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that are not a single path element.
var ErrInvalidName = errors.New("invalid file name")

// ArtifactStore durably writes committed artifacts.
type ArtifactStore interface {
	// Persist writes data under name. It returns only after the bytes are
	// on stable storage.
	Persist(name string, data []byte) error
	// Remove deletes name. Removing a missing artifact is not an error.
	Remove(name string) error
}

// ResourceStore is the set of resources owned by a user node.
type ResourceStore interface {
	// Delete removes resource. Deleting a missing resource is not an error,
	// so a replayed commit can redo it.
	Delete(resource string) error
	Exists(resource string) bool
}

// ValidateName reports whether name can be stored as a single file: not
// empty, not a dot entry and free of path separators.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
