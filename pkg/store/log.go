// Package store persists and caches workspace update records. The hot
// path is an in-memory ordered cache per workspace; durability comes
// from a pluggable append-only log written asynchronously so inbound
// message handling never waits on storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UpdateRecord is one immutable, opaque update payload appended to a
// workspace's history. Records are totally ordered by CreatedAt within
// a workspace and removed only by retention pruning.
type UpdateRecord struct {
	ID          string
	WorkspaceID string
	Payload     []byte
	ByteSize    int64
	UserID      string
	CreatedAt   time.Time
}

// Log is the durable append-only record log.
//
// Implementations must order LoadRecords by CreatedAt ascending and
// must tolerate concurrent appends to different workspaces.
type Log interface {
	// AppendRecord durably writes one record.
	AppendRecord(ctx context.Context, rec UpdateRecord) error

	// LoadRecords returns the full history of a workspace in
	// CreatedAt ascending order.
	LoadRecords(ctx context.Context, workspaceID string) ([]UpdateRecord, error)

	// PruneRecords deletes records created before the cutoff and
	// returns the deleted records so callers can archive them.
	PruneRecords(ctx context.Context, workspaceID string, cutoff time.Time) ([]UpdateRecord, error)

	// DeleteWorkspace removes the entire durable history.
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// CountRecords returns the durable record count and total payload
	// bytes for a workspace.
	CountRecords(ctx context.Context, workspaceID string) (count int64, bytes int64, err error)

	// Close releases log resources.
	Close() error
}

// ErrLogClosed is returned by log operations after Close.
var ErrLogClosed = errors.New("store: log closed")

// ErrStoreClosed is returned by store operations after Close.
var ErrStoreClosed = errors.New("store: store closed")

// LogError wraps a failure from a durable log backend.
type LogError struct {
	Op  string
	Err error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("store: log %s: %v", e.Op, e.Err)
}

func (e *LogError) Unwrap() error {
	return e.Err
}
