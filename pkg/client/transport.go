package client

import (
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomsync/loomsync/pkg/relay"
)

// State is the transport connection state.
type State int

const (
	// StateDisconnected means no live connection; a reconnect attempt
	// may be pending.
	StateDisconnected State = iota
	// StateConnecting means a dial is in progress.
	StateConnecting
	// StateConnected means the connection is live.
	StateConnected
	// StateStopped means the transport will not reconnect, either
	// because Close was called or because access was revoked.
	StateStopped
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TransportConfig holds configuration for the WebSocket transport.
type TransportConfig struct {
	// HandshakeTimeout is the maximum time for the WebSocket upgrade.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// InitialBackoff is the first reconnect delay. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 30 seconds.
	MaxBackoff time.Duration

	// RequestHeader is sent with the upgrade request, typically
	// carrying the bearer token the relay authenticates.
	RequestHeader http.Header
}

// DefaultTransportConfig returns a TransportConfig with sensible
// defaults.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// Clone returns a copy of the TransportConfig.
func (c *TransportConfig) Clone() *TransportConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.RequestHeader != nil {
		clone.RequestHeader = c.RequestHeader.Clone()
	}
	return &clone
}

// Transport maintains a WebSocket connection to the relay, redialing
// with exponential backoff and jitter after transient failures. A
// close frame carrying the reserved authorization code stops the
// transport permanently and surfaces ErrAccessRevoked through the
// state callback.
type Transport struct {
	url    string
	config *TransportConfig
	logger *slog.Logger

	onMessage func(payload []byte)
	onState   func(state State, err error)

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewTransport creates a transport for the given relay URL. Callbacks
// must be set before Start.
func NewTransport(url string, config *TransportConfig, logger *slog.Logger) *Transport {
	if config == nil {
		config = DefaultTransportConfig()
	} else {
		config = config.Clone()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		url:    url,
		config: config,
		logger: logger.With("component", "transport"),
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

// OnMessage sets the callback for inbound binary payloads.
func (t *Transport) OnMessage(fn func(payload []byte)) {
	t.onMessage = fn
}

// OnStateChange sets the callback for connection state transitions.
// The error is non-nil on disconnects and on permanent stop.
func (t *Transport) OnStateChange(fn func(state State, err error)) {
	t.onState = fn
}

// Start begins dialing and keeps the connection alive until Close or
// access revocation.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.run()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the connection is live.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Send writes one binary payload to the relay.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close stops the transport permanently.
func (t *Transport) Close() {
	if t.closed.Swap(true) {
		return
	}
	close(t.done)

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	t.wg.Wait()
	t.setState(StateStopped, nil)
}

// run dials, reads until failure, and redials with backoff. Returns
// when the transport is closed or access is revoked.
func (t *Transport) run() {
	defer t.wg.Done()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.HandshakeTimeout,
	}
	backoff := t.config.InitialBackoff

	for {
		if t.closed.Load() {
			return
		}
		t.setState(StateConnecting, nil)

		conn, resp, err := dialer.Dial(t.url, t.config.RequestHeader)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			t.logger.Warn("dial failed", "url", t.url, "error", err)
			t.setState(StateDisconnected, err)
			if !t.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, t.config.MaxBackoff)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		backoff = t.config.InitialBackoff
		t.setState(StateConnected, nil)
		t.logger.Info("connected", "url", t.url)

		err = t.readLoop(conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()

		if t.closed.Load() {
			return
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == relay.CloseAccessRevoked {
			// The relay revoked workspace access. Reconnecting would
			// only be rejected again, so stop for good.
			t.logger.Warn("access revoked, stopping", "reason", closeErr.Text)
			t.closed.Store(true)
			t.setState(StateStopped, ErrAccessRevoked)
			return
		}

		t.logger.Debug("disconnected", "error", err)
		t.setState(StateDisconnected, err)
		if !t.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, t.config.MaxBackoff)
	}
}

// readLoop delivers inbound binary payloads until the connection
// fails.
func (t *Transport) readLoop(conn *websocket.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if t.onMessage != nil {
			t.onMessage(payload)
		}
	}
}

// sleep waits for the backoff duration. Returns false if the transport
// closed while waiting.
func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.done:
		return false
	}
}

// setState records the transition and invokes the callback.
func (t *Transport) setState(state State, err error) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.mu.Unlock()

	if t.onState != nil {
		t.onState(state, err)
	}
}

// nextBackoff doubles the delay with jitter, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	// Up to 25% jitter so a fleet of clients does not redial in step.
	jitter := time.Duration(rand.Int63n(int64(next)/4 + 1))
	return next + jitter
}
