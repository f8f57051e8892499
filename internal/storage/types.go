package storage

import (
	"context"
	"errors"
	"time"

	"statusmon/internal/value"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrEmpty is returned by Load when nothing was saved yet.
	ErrEmpty  = errors.New("storage: no saved snapshot")
	ErrClosed = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file":   JSON snapshot file at Path
//   - "sqlite": SQLite database file at Path
//   - "badger": badger directory at Path ("" with InMemory for tests)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	InMemory    bool          // badger only
}

// Backend persists whole-tree snapshots. The tree handed to Save is a Map
// owned by the caller for the duration of the call.
type Backend interface {
	Save(ctx context.Context, tree value.Value) error
	Load(ctx context.Context) (value.Value, error)
	Close() error
}
