// Package kv provides the durable key-value storage used for patient
// overrides and persisted call settings.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable string-keyed blob store. Each Set is a single atomic
// write; there is no compare-and-swap.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Open opens a store for the named backend at path. An empty path opens an
// in-memory store.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendBadger, "":
		return OpenBadger(path)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
