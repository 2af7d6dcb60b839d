package relay

import (
	"errors"
	"fmt"
)

// Common relay errors.
var (
	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("relay: session closed")

	// ErrServerClosed is returned when the server is shutting down.
	ErrServerClosed = errors.New("relay: server closed")

	// ErrNotWorkspaceMember is returned when authorization denies
	// access to the requested workspace.
	ErrNotWorkspaceMember = errors.New("relay: not a workspace member")

	// ErrMaxSessionsReached is returned when a workspace's session
	// limit has been reached.
	ErrMaxSessionsReached = errors.New("relay: maximum sessions reached")

	// ErrWriteTimeout is returned when a frame write exceeds the
	// configured write timeout.
	ErrWriteTimeout = errors.New("relay: write timeout")
)

// SessionError wraps an error with session context.
type SessionError struct {
	SessionID   string
	WorkspaceID string
	Err         error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("relay: session %s (workspace %s): %v", e.SessionID, e.WorkspaceID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// AuthError wraps an authorization failure for a connection attempt.
type AuthError struct {
	WorkspaceID string
	UserID      string
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("relay: authorize user %s for workspace %s: %v", e.UserID, e.WorkspaceID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
