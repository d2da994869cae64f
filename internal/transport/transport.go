// Package transport provides the peer-to-peer messaging layer: a
// concrete implementation (length-prefixed frames over reconnecting
// TCP) plus an in-memory mock used by tests that want many simulated
// nodes in one process, behind an interface that only promises
// persistent reconnecting connections to each configured peer and
// delivery of ordered message frames.
package transport

import (
	"sqlcluster/internal/wire"
)

// Handler is invoked for every inbound frame from a peer, identified by
// its configured id.
type Handler func(peerID int, msg *wire.Message)

// Transport is what internal/node depends on: send a frame to one peer
// or broadcast to several, and be told about inbound frames.
type Transport interface {
	// SetHandler registers the callback invoked for inbound frames. It
	// must be called before Start.
	SetHandler(h Handler)
	// Start begins listening for inbound connections and dialing
	// configured peers, reconnecting forever in the background.
	Start() error
	// Send delivers one frame to a single peer. A disconnected peer's
	// frame is dropped and an error is returned (replication and the FSM
	// are both designed to tolerate dropped frames via resync).
	Send(peerID int, msg *wire.Message) error
	// Broadcast delivers one frame to every peer for which sendTo
	// returns true.
	Broadcast(msg *wire.Message, sendTo func(peerID int) bool)
	// Connected reports whether a peer currently has a live connection.
	Connected(peerID int) bool
	// Reconnect drops and re-establishes the connection to one peer,
	// used when the protocol detects a hash mismatch or other
	// unrecoverable divergence with that peer.
	Reconnect(peerID int)
	// Close shuts down all connections and listeners.
	Close() error
}
