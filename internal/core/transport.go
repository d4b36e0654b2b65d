package core

import "errors"

// Frame is one serialized protocol message.
type Frame []byte

// PeerID identifies the remote end of a transport connection. On the
// host authority side it is also the participant id.
type PeerID string

// ServerPeer is the single peer a client-side transport talks to.
const ServerPeer PeerID = "server"

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("transport closed")
	ErrUnknownPeer  = errors.New("unknown peer")
)

type (
	MessageHandler    func(peer PeerID, f Frame)
	ConnectHandler    func(peer PeerID)
	DisconnectHandler func(peer PeerID)
)

// Transport is a bidirectional, message-oriented channel between this
// endpoint and one or more peers. Bindings deliver messages from a single
// peer in order; no ordering holds across peers.
// Handlers must be registered before the transport starts accepting peers.
type Transport interface {
	Send(peer PeerID, f Frame) error
	// Broadcast sends f to every connected peer except the excluded ones.
	Broadcast(f Frame, exclude ...PeerID)
	OnMessage(MessageHandler)
	OnPeerConnected(ConnectHandler)
	OnPeerDisconnected(DisconnectHandler)
	// Disconnect drops a single peer; OnPeerDisconnected fires for it.
	Disconnect(peer PeerID)
	Close() error
}
