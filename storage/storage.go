// Package storage provides the durable key-value persistence consumed by the
// offline engine: a thin string KV contract, SQLite-backed and in-memory
// implementations, and a typed store that owns the journal's key names and
// JSON codecs.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrMissingKeyValue indicates a store was constructed without its KV backend.
	ErrMissingKeyValue = errors.New("storage: key-value backend is required")
	// ErrMissingDatabase indicates a SQLite store was constructed without a database handle.
	ErrMissingDatabase = errors.New("storage: database handle is required")
)

// KeyValue is the durable string store the engine persists JSON blobs into.
// Get reports presence explicitly so an absent key is distinguishable from an
// empty value. Implementations must be safe for concurrent use.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
