package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrEncryptionRequired = errors.New("peer does not offer an encrypted session")
	ErrNoPeers            = errors.New("no connected peers")
	ErrSendFailed         = errors.New("send failed")
	ErrUnknownPeer        = errors.New("unknown peer")
)

// PeerID identifies a peer within one discovery session.
type PeerID string

type PeerState int

const (
	NotConnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Listener receives session events. Callbacks arrive on transport goroutines
// and must not block.
type Listener interface {
	PeerStateChanged(peer PeerID, state PeerState)
	DataReceived(peer PeerID, data []byte)
}

// Session is an encrypted, reliable, ordered message channel to a small set
// of peers.
type Session interface {
	// Invite starts connecting to peer. The outcome is reported through the
	// Listener; a peer that has not connected within timeout is reported
	// NotConnected.
	Invite(ctx context.Context, peer PeerID, timeout time.Duration) error
	// Send delivers data to every connected peer. Failures are per call and
	// never close the session.
	Send(data []byte) error
	ConnectedPeers() []PeerID
	DropPeer(peer PeerID) error
	// Disconnect closes every peer connection. The session stays usable.
	Disconnect() error
	SetListener(l Listener)
}

// Signaler relays session negotiation payloads between peers.
type Signaler interface {
	SendSignal(ctx context.Context, peerID PeerID, signal []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  PeerID
	Payload []byte
}
