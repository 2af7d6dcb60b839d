package relay

import (
	"net/http"
	"net/url"
	"time"
)

// CloseAccessRevoked is the reserved WebSocket close code signaling
// that workspace authorization was denied or revoked. It is distinct
// from ordinary failure codes so clients stop automatic reconnection
// and surface the condition instead of retrying.
const CloseAccessRevoked = 4403

// SessionConfig holds configuration for individual relay sessions.
type SessionConfig struct {
	// Timeouts

	// ReadTimeout is the maximum time to wait for a message from the client.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout is the maximum time for the WebSocket upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming update payload.
	// Default: 256KB.
	MaxMessageSize int64

	// Replay

	// ReplayBatchSize is how many stored updates are sent per batch
	// during initial replay. Default: 64.
	ReplayBatchSize int

	// ReplayBatchPause is the pause between replay batches, keeping
	// the outbound buffer from being overwhelmed on large histories.
	// Default: 20 milliseconds.
	ReplayBatchPause time.Duration
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    256 * 1024, // 256KB
		ReplayBatchSize:   64,
		ReplayBatchPause:  20 * time.Millisecond,
	}
}

// Clone returns a copy of the SessionConfig.
func (c *SessionConfig) Clone() *SessionConfig {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ServerConfig holds configuration for the relay server.
type ServerConfig struct {
	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// Limits

	// MaxSessionsPerWorkspace is the maximum concurrent sessions in
	// one workspace. 0 means no limit.
	// Default: 0 (no limit).
	MaxSessionsPerWorkspace int

	// Lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// SECURITY: CheckOrigin enforces same-origin by default.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadBufferSize:          4096,
		WriteBufferSize:         4096,
		CheckOrigin:             SameOriginCheck,
		SessionConfig:           DefaultSessionConfig(),
		MaxSessionsPerWorkspace: 0,
		ShutdownTimeout:         30 * time.Second,
	}
}

// Clone returns a copy of the ServerConfig.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.SessionConfig != nil {
		clone.SessionConfig = c.SessionConfig.Clone()
	}
	return &clone
}

// WithSessionConfig sets the session configuration and returns the
// config for chaining.
func (c *ServerConfig) WithSessionConfig(sc *SessionConfig) *ServerConfig {
	c.SessionConfig = sc
	return c
}

// WithMaxSessionsPerWorkspace sets the per-workspace session limit and
// returns the config for chaining.
func (c *ServerConfig) WithMaxSessionsPerWorkspace(max int) *ServerConfig {
	c.MaxSessionsPerWorkspace = max
	return c
}

// WithCheckOrigin sets the origin validator and returns the config for
// chaining.
func (c *ServerConfig) WithCheckOrigin(fn func(r *http.Request) bool) *ServerConfig {
	c.CheckOrigin = fn
	return c
}

// SameOriginCheck validates that the WebSocket request origin matches
// the host. This is the secure default for CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., same-origin request or curl)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}

	return originURL.Host == host
}
