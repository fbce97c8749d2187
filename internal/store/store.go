// Package store is the client side of the subscribable key-value store that
// holds room and member documents. Documents are flat field maps addressed by
// slash separated paths such as rooms/{roomId}/members/{userId}.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid path")
)

// Document is a flat set of string fields.
type Document map[string]string

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)
	// Set merges patch into the document at path, creating it if needed.
	Set(ctx context.Context, path string, patch Document) error
	// Children lists the names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// Subscribe calls onChange with the changed path whenever path or any
	// document below it is written. Notifications may be coalesced.
	Subscribe(ctx context.Context, path string, onChange func(path string)) (Unsubscribe, error)
	Ping(ctx context.Context) error
	Close() error
}

// Join builds a path from segments, rejecting empty segments and segments
// that contain the separator.
func Join(segments ...string) (string, error) {
	for _, s := range segments {
		if s == "" || strings.Contains(s, "/") {
			return "", fmt.Errorf("%w: bad segment %q", ErrInvalidPath, s)
		}
	}
	return strings.Join(segments, "/"), nil
}

func parent(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// covers reports whether a subscription on sub should see a write to path.
func covers(sub, path string) bool {
	return path == sub || strings.HasPrefix(path, sub+"/")
}
