package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomsync/loomsync/pkg/middleware"
	"github.com/loomsync/loomsync/pkg/store"
)

// Authorizer resolves identity and workspace membership for incoming
// connections. It is an external collaborator: identity issuance and
// membership data live outside the relay.
type Authorizer interface {
	// Authenticate resolves the workspace and user for a connection
	// attempt. An error rejects the attempt before upgrade.
	Authenticate(r *http.Request) (workspaceID, userID string, err error)

	// IsWorkspaceMember reports whether the user may join the
	// workspace.
	IsWorkspaceMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// Server relays opaque binary update payloads between the live
// sessions of a workspace. Each accepted connection follows
// Connecting -> Authorizing -> {Rejected | Active} -> Closed: authorize,
// register, replay stored history in bounded batches, then relay until
// disconnect.
type Server struct {
	config   *ServerConfig
	registry *Registry
	updates  *store.Store
	auth     Authorizer
	upgrader websocket.Upgrader
	metrics  *Collector
	logger   *slog.Logger
}

// NewServer creates a relay server. Nil config fields are filled with
// defaults.
func NewServer(config *ServerConfig, auth Authorizer, updates *store.Store, logger *slog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		config = config.Clone()
	}
	if config.SessionConfig == nil {
		config.SessionConfig = DefaultSessionConfig()
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = SameOriginCheck
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		registry: NewRegistry(config.MaxSessionsPerWorkspace, logger),
		updates:  updates,
		auth:     auth,
		metrics:  NewCollector(),
		logger:   logger.With("component", "relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: config.SessionConfig.HandshakeTimeout,
		CheckOrigin:      config.CheckOrigin,
	}
	return s
}

// Registry exposes the connection registry for admin tooling.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics exposes the relay counters for admin tooling.
func (s *Server) Metrics() *Collector {
	return s.metrics
}

// Handler returns the WebSocket endpoint as an http.Handler, ready to
// mount on any router.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.HandleSync)
}

// HandleSync upgrades the connection and runs the relay lifecycle.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID, userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, workspaceID, userID, s.config.SessionConfig, s.logger)

	member, err := s.auth.IsWorkspaceMember(r.Context(), workspaceID, userID)
	if err != nil || !member {
		if err != nil {
			s.logger.Warn("membership check failed",
				"workspace_id", workspaceID, "user_id", userID, "error", err)
		}
		s.metrics.authRejections.Add(1)
		middleware.RecordAuthRejection()
		// The reserved close code tells the client to stop
		// reconnecting and surface the revocation.
		sess.CloseWithCode(CloseAccessRevoked, "workspace access revoked")
		return
	}

	if err := s.registry.Add(sess); err != nil {
		s.logger.Warn("registration rejected",
			"workspace_id", workspaceID, "user_id", userID, "error", err)
		sess.CloseWithCode(websocket.CloseTryAgainLater, "workspace session limit reached")
		return
	}
	s.metrics.sessionsOpened.Add(1)
	middleware.RecordSessionOpened(workspaceID)

	go sess.heartbeatLoop()

	s.replay(r.Context(), sess)
	s.relayLoop(sess)

	s.registry.Remove(sess)
	sess.Close()
	s.metrics.sessionsClosed.Add(1)
	middleware.RecordSessionClosed(workspaceID)
}

// replay sends the workspace's stored history to a newly registered
// session, in small bounded batches with a brief pause between them so
// a large history cannot overwhelm the outbound buffer.
func (s *Server) replay(ctx context.Context, sess *Session) {
	payloads := s.updates.GetOrLoad(ctx, sess.WorkspaceID)
	if len(payloads) == 0 {
		return
	}

	batchSize := s.config.SessionConfig.ReplayBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	sent := 0
	for start := 0; start < len(payloads); start += batchSize {
		end := start + batchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		for _, payload := range payloads[start:end] {
			if err := sess.Send(payload); err != nil {
				s.logger.Debug("replay aborted",
					"session_id", sess.ID,
					"workspace_id", sess.WorkspaceID,
					"sent", sent,
					"error", err)
				return
			}
			sent++
		}
		if end < len(payloads) {
			time.Sleep(s.config.SessionConfig.ReplayBatchPause)
		}
	}

	s.metrics.replayedRecords.Add(uint64(sent))
	middleware.RecordReplay(sess.WorkspaceID, sent)
	sess.logger.Info("replay complete", "records", sent)
}

// relayLoop reads inbound payloads until the connection drops. Each
// binary payload is appended to the store (durability is asynchronous
// and its failure never tears down the relay) and broadcast verbatim
// to the other sessions of the workspace.
func (s *Server) relayLoop(sess *Session) {
	conn := sess.conn
	conn.SetReadLimit(s.config.SessionConfig.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.SessionConfig.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.SessionConfig.ReadTimeout))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			// An abrupt peer disconnect is expected churn; anything
			// else gets more attention. Either way the session ends.
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				sess.logger.Warn("read failed", "error", err)
				middleware.RecordTransportError("read")
			} else {
				sess.logger.Debug("peer disconnected", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.SessionConfig.ReadTimeout))

		if messageType != websocket.BinaryMessage {
			// The wire carries opaque binary updates only.
			continue
		}

		sess.recordInbound(len(payload))
		s.metrics.messagesRelayed.Add(1)
		s.metrics.bytesRelayed.Add(uint64(len(payload)))

		// Persistence failure degrades durability only; the live
		// relay must keep flowing.
		if err := s.updates.Append(context.Background(), sess.WorkspaceID, payload, sess.UserID); err != nil {
			sess.logger.Error("append failed", "error", err)
		}

		delivered := s.registry.Broadcast(sess.WorkspaceID, sess.UserID, payload)
		middleware.RecordRelayedMessage(sess.WorkspaceID, len(payload), delivered)
	}
}

// Shutdown closes all live sessions, bounded by the configured
// shutdown timeout when the context carries no deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.registry.ShutdownWithContext(ctx)
}
