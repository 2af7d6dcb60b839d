package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one live workspace connection. It is created after
// successful authorization and destroyed on disconnect, whatever the
// cause. All writes to the underlying connection are serialized
// through the session.
type Session struct {
	// Identity
	ID          string
	WorkspaceID string
	UserID      string
	RemoteAddr  string
	CreatedAt   time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	config *SessionConfig
	logger *slog.Logger

	// Counters
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

// newSession wraps an upgraded connection in a Session.
func newSession(conn *websocket.Conn, workspaceID, userID string, config *SessionConfig, logger *slog.Logger) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		CreatedAt:   time.Now(),
		conn:        conn,
		done:        make(chan struct{}),
		config:      config,
	}
	if conn != nil {
		s.RemoteAddr = conn.RemoteAddr().String()
	}
	s.logger = logger.With(
		"session_id", s.ID,
		"workspace_id", workspaceID,
		"user_id", userID,
	)
	return s
}

// Send writes one binary payload to the peer.
func (s *Session) Send(payload []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return &SessionError{SessionID: s.ID, WorkspaceID: s.WorkspaceID, Err: err}
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return &SessionError{SessionID: s.ID, WorkspaceID: s.WorkspaceID, Err: err}
	}

	s.messagesOut.Add(1)
	s.bytesOut.Add(uint64(len(payload)))
	return nil
}

// SendClose writes a close frame with the given code and reason. Used
// for the reserved authorization-revoked code as well as normal closes.
func (s *Session) SendClose(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(s.config.WriteTimeout)
	return s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// Close terminates the session. A normal close frame is attempted
// best-effort before the connection is torn down. Safe to call more
// than once.
func (s *Session) Close() {
	s.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode terminates the session with a specific close code.
func (s *Session) CloseWithCode(code int, reason string) {
	if s.closed.Swap(true) {
		return
	}
	close(s.done)

	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()
}

// Closed reports whether the session has been terminated.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Done returns a channel closed when the session terminates.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// heartbeatLoop pings the peer on the configured interval until the
// session closes. A ping failure terminates the session so the read
// loop unblocks promptly.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			deadline := time.Now().Add(s.config.WriteTimeout)
			err := s.conn.WriteControl(websocket.PingMessage, nil, deadline)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("heartbeat failed, closing session", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// SessionStats is a point-in-time snapshot of one session's counters.
type SessionStats struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

// Stats returns the session's transfer counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		MessagesIn:  s.messagesIn.Load(),
		MessagesOut: s.messagesOut.Load(),
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
	}
}

// recordInbound updates counters for one received payload.
func (s *Session) recordInbound(n int) {
	s.messagesIn.Add(1)
	s.bytesIn.Add(uint64(n))
}
