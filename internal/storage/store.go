// Package storage provides the durable key-value store that holds session
// state. Other components (such as an OAuth provider token cache) may write
// their own keys into the same store.
package storage

import (
	"errors"
	"fmt"
)

// Store is a string key-value store that survives process restarts.
// Implementations are safe for concurrent use.
type Store interface {
	// Get returns the value for key. ok is false when the key does not exist.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists every key currently in the store.
	Keys() ([]string, error)
	// Clear removes every entry.
	Clear() error
	Close() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Error indicates a storage failure.
type Error struct {
	Op  string // "get", "set", "delete", "keys", "clear"
	Key string
	Err error
}

func (e *Error) Error() string {
	msg := "failed to " + e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
