// Package transport hosts the client-facing endpoints of the RPC
// server: newline-framed JSON over TCP, WebSocket, and an MQTT-relayed
// cloud channel. Every transport accepts connections, assigns client
// ids, feeds inbound frames to the core, and delivers replies and
// notifications back out. Transports never touch server state directly;
// all inbound traffic crosses into the core loop through the Core
// interface.
package transport

import (
	"context"

	"github.com/hearthd/hearthd/internal/jsonrpc"
)

// Core is the server side a transport feeds. *jsonrpc.Server implements
// it; tests substitute a recorder.
type Core interface {
	// ClientConnected announces a new connection. The sender must stay
	// valid until ClientDisconnected for the same id.
	ClientConnected(sender jsonrpc.Sender, clientID string)
	// ClientDisconnected announces a closed connection.
	ClientDisconnected(clientID string)
	// HandleData delivers one inbound frame. The slice must not be
	// reused by the caller afterwards.
	HandleData(clientID string, data []byte)
}

var _ Core = (*jsonrpc.Server)(nil)

// Transport is one listening endpoint. It doubles as the jsonrpc.Sender
// for every client it accepted, so replies route back through it.
type Transport interface {
	jsonrpc.Sender

	// Start binds the endpoint and begins accepting clients. It returns
	// once the endpoint is live; accept and read loops run in the
	// background.
	Start() error
	// Stop closes the endpoint and all its connections, waiting for the
	// background loops to finish or ctx to expire.
	Stop(ctx context.Context) error
}
