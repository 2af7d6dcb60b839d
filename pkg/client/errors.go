package client

import "errors"

var (
	// ErrAccessRevoked is surfaced when the relay closes the
	// connection with the reserved authorization close code. The
	// transport stops reconnecting permanently.
	ErrAccessRevoked = errors.New("client: workspace access revoked")

	// ErrNotConnected is returned when sending while the transport has
	// no live connection.
	ErrNotConnected = errors.New("client: transport not connected")

	// ErrTransportClosed is returned from operations on a transport
	// that has been closed.
	ErrTransportClosed = errors.New("client: transport closed")

	// ErrAdapterClosed is returned from operations on an adapter whose
	// event loop has been torn down.
	ErrAdapterClosed = errors.New("client: adapter closed")
)
