package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Registry tracks live sessions sharded per workspace. Contention on
// one workspace never serializes another: the registry mutex is held
// only for map access, and broadcast sends happen outside it on a
// snapshot.
//
// The registry holds raw sessions only and never calls back into the
// handlers that feed it, keeping the dependency one-directional.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]map[string]*Session // workspaceID -> sessionID -> session

	totalRegistered atomic.Uint64
	totalRemoved    atomic.Uint64
	peakSessions    int

	maxPerWorkspace int
	logger          *slog.Logger
}

// NewRegistry creates an empty connection registry.
// maxPerWorkspace of 0 means no per-workspace limit.
func NewRegistry(maxPerWorkspace int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workspaces:      make(map[string]map[string]*Session),
		maxPerWorkspace: maxPerWorkspace,
		logger:          logger.With("component", "registry"),
	}
}

// Add registers a live session under its workspace.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()

	ws, ok := r.workspaces[sess.WorkspaceID]
	if !ok {
		ws = make(map[string]*Session)
		r.workspaces[sess.WorkspaceID] = ws
	}
	if r.maxPerWorkspace > 0 && len(ws) >= r.maxPerWorkspace {
		r.mu.Unlock()
		return ErrMaxSessionsReached
	}
	ws[sess.ID] = sess

	total := r.countLocked()
	if total > r.peakSessions {
		r.peakSessions = total
	}
	r.mu.Unlock()

	r.totalRegistered.Add(1)
	r.logger.Info("session registered",
		"session_id", sess.ID,
		"workspace_id", sess.WorkspaceID,
		"user_id", sess.UserID,
		"workspace_sessions", r.Count(sess.WorkspaceID))
	return nil
}

// Remove unregisters a session. Removing an absent session is a no-op.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	ws, ok := r.workspaces[sess.WorkspaceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := ws[sess.ID]; !present {
		r.mu.Unlock()
		return
	}
	delete(ws, sess.ID)
	if len(ws) == 0 {
		delete(r.workspaces, sess.WorkspaceID)
	}
	r.mu.Unlock()

	r.totalRemoved.Add(1)
	r.logger.Info("session removed",
		"session_id", sess.ID,
		"workspace_id", sess.WorkspaceID,
		"user_id", sess.UserID)
}

// Broadcast delivers a payload to every live session in the workspace
// except those belonging to excludeUserID. A send failure to one
// recipient is logged and does not abort delivery to the rest.
// Returns the number of sessions the payload was delivered to.
func (r *Registry) Broadcast(workspaceID, excludeUserID string, payload []byte) int {
	r.mu.RLock()
	ws := r.workspaces[workspaceID]
	recipients := make([]*Session, 0, len(ws))
	for _, sess := range ws {
		if sess.UserID == excludeUserID {
			continue
		}
		recipients = append(recipients, sess)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range recipients {
		if err := sess.Send(payload); err != nil {
			r.logger.Warn("broadcast delivery failed",
				"session_id", sess.ID,
				"workspace_id", workspaceID,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live sessions in one workspace.
func (r *Registry) Count(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces[workspaceID])
}

// Workspaces returns the ids of all workspaces with live sessions.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.workspaces))
	for id := range r.workspaces {
		out = append(out, id)
	}
	return out
}

// ForEach iterates over every session in a workspace.
// The callback should not perform long-running operations as it holds
// the read lock.
func (r *Registry) ForEach(workspaceID string, fn func(*Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.workspaces[workspaceID] {
		if !fn(sess) {
			break
		}
	}
}

// CloseWorkspace terminates every live session in a workspace with the
// given close code, for example when an admin purges the workspace.
func (r *Registry) CloseWorkspace(workspaceID string, code int, reason string) int {
	r.mu.Lock()
	ws := r.workspaces[workspaceID]
	sessions := make([]*Session, 0, len(ws))
	for _, sess := range ws {
		sessions = append(sessions, sess)
	}
	delete(r.workspaces, workspaceID)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.CloseWithCode(code, reason)
		r.totalRemoved.Add(1)
	}
	if len(sessions) > 0 {
		r.logger.Info("workspace closed",
			"workspace_id", workspaceID,
			"closed_sessions", len(sessions))
	}
	return len(sessions)
}

// RegistryStats contains aggregated registry statistics.
type RegistryStats struct {
	ActiveSessions   int
	ActiveWorkspaces int
	TotalRegistered  uint64
	TotalRemoved     uint64
	Peak             int
}

// Stats returns aggregated registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	active := r.countLocked()
	workspaces := len(r.workspaces)
	peak := r.peakSessions
	r.mu.RUnlock()

	return RegistryStats{
		ActiveSessions:   active,
		ActiveWorkspaces: workspaces,
		TotalRegistered:  r.totalRegistered.Load(),
		TotalRemoved:     r.totalRemoved.Load(),
		Peak:             peak,
	}
}

// ShutdownWithContext closes every session concurrently and waits for
// completion or context expiry.
func (r *Registry) ShutdownWithContext(ctx context.Context) error {
	r.mu.Lock()
	var sessions []*Session
	for _, ws := range r.workspaces {
		for _, sess := range ws {
			sessions = append(sessions, sess)
		}
	}
	r.workspaces = make(map[string]map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("registry shutdown", "closed_sessions", len(sessions))
	return nil
}

// countLocked sums sessions across workspaces. Caller holds r.mu.
func (r *Registry) countLocked() int {
	total := 0
	for _, ws := range r.workspaces {
		total += len(ws)
	}
	return total
}
