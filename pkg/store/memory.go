package store

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory Log implementation. It is the default for
// single-process deployments and the workhorse of the test suite. For
// multi-server deployments use SQLLog or RedisLog.
type MemoryLog struct {
	mu         sync.RWMutex
	workspaces map[string][]UpdateRecord
	closed     bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		workspaces: make(map[string][]UpdateRecord),
	}
}

// AppendRecord stores one record in memory.
func (m *MemoryLog) AppendRecord(ctx context.Context, rec UpdateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}

	// Copy the payload to prevent mutations by the caller.
	payload := make([]byte, len(rec.Payload))
	copy(payload, rec.Payload)
	rec.Payload = payload

	m.workspaces[rec.WorkspaceID] = append(m.workspaces[rec.WorkspaceID], rec)
	return nil
}

// LoadRecords returns a workspace's records in CreatedAt order.
func (m *MemoryLog) LoadRecords(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrLogClosed
	}

	recs := m.workspaces[workspaceID]
	out := make([]UpdateRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// PruneRecords removes records created before the cutoff.
func (m *MemoryLog) PruneRecords(ctx context.Context, workspaceID string, cutoff time.Time) ([]UpdateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrLogClosed
	}

	var kept, removed []UpdateRecord
	for _, rec := range m.workspaces[workspaceID] {
		if rec.CreatedAt.Before(cutoff) {
			removed = append(removed, rec)
		} else {
			kept = append(kept, rec)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	m.workspaces[workspaceID] = kept
	return removed, nil
}

// DeleteWorkspace drops the full history for a workspace.
func (m *MemoryLog) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrLogClosed
	}

	delete(m.workspaces, workspaceID)
	return nil
}

// CountRecords reports record count and total payload bytes.
func (m *MemoryLog) CountRecords(ctx context.Context, workspaceID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, 0, ErrLogClosed
	}

	var count, bytes int64
	for _, rec := range m.workspaces[workspaceID] {
		count++
		bytes += rec.ByteSize
	}
	return count, bytes, nil
}

// Close marks the log as closed.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.workspaces = nil
	return nil
}
