// Package wstate is the persistent worker-state store: the versioned
// key-value document holding per-worker desired state (enabled, debug,
// heartbeatDisabled, pauseOnStart) across supervisor restarts.
package wstate

import "context"

// Record is the persisted desired-state document for one worker, keyed by
// the compound id "name:path".
type Record struct {
	ID                string
	Name              string
	Path              string
	Enabled           bool
	Debug             bool
	HeartbeatDisabled bool
	PauseOnStart      bool
	Version           int
}

// Store is the storage contract; sqlite and postgres drivers both
// implement it, selected by DSN scheme via wstate/factory.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	All(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
