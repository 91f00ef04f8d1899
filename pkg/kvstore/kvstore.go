// Package kvstore defines the durable key-value persistence contract used
// by the job engine.
//
// Keys are slash-joined hierarchical paths ("instance-launch/<id>/status").
// Backends implement a minimal surface: blob get/set/delete, child
// enumeration under a prefix, and atomic allocation of new child ids.
// Backends should be safe for concurrent use.
package kvstore

import (
	"context"
	"strings"
)

// Store abstracts durable hierarchical key-value storage.
//
// Implementations must guarantee:
//   - NewCollection never hands the same id to two concurrent callers.
//   - Set is atomic per key (readers see the old value or the new one,
//     never a partial write).
//   - Enumerate returns immediate child ids only, in no defined order.
type Store interface {
	// Get returns the value at key. Returns ErrNotFound if the key does
	// not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key, creating or replacing it.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key and any children under it. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Enumerate returns the ids of the immediate children under prefix.
	// A missing prefix yields an empty result, not an error.
	Enumerate(ctx context.Context, prefix string) ([]string, error)

	// NewCollection allocates a unique child id under prefix. The id is
	// reserved but holds no keys until the caller writes some.
	NewCollection(ctx context.Context, prefix string) (string, error)

	// Close releases any resources held by the store.
	Close() error
}

// Backend identifies a kvstore implementation.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendSQLite Backend = "sqlite"
	BackendS3     Backend = "s3"
)

func (b Backend) String() string {
	return string(b)
}

// ValidateSegment rejects path components that could escape the intended
// subtree. Externally supplied ids and job types must pass through this
// before being joined into a key.
func ValidateSegment(seg string) error {
	switch {
	case seg == "":
		return &StoreError{Op: "ValidateSegment", Err: ErrInvalidKey}
	case seg == "." || seg == "..":
		return &StoreError{Op: "ValidateSegment", Key: seg, Err: ErrInvalidKey}
	case strings.ContainsAny(seg, "/\\"):
		return &StoreError{Op: "ValidateSegment", Key: seg, Err: ErrInvalidKey}
	}
	return nil
}

// Join builds a key from validated segments. It returns an error if any
// segment fails ValidateSegment.
func Join(segments ...string) (string, error) {
	for _, seg := range segments {
		if err := ValidateSegment(seg); err != nil {
			return "", err
		}
	}
	return strings.Join(segments, "/"), nil
}

// MustJoin is Join for segments the caller has already validated.
// It panics on an invalid segment; use only with trusted input.
func MustJoin(segments ...string) string {
	key, err := Join(segments...)
	if err != nil {
		panic(err)
	}
	return key
}
