package transport

import (
	"context"
	"fmt"
	"sync"
)

var _ Signaler = (*MemorySignaler)(nil)

// MemoryHub routes signals between in-process MemorySignalers. Two sessions
// holding endpoints of the same hub can negotiate without a rendezvous
// server.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[PeerID]*MemorySignaler
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[PeerID]*MemorySignaler),
	}
}

// Endpoint returns the signaler for id, creating it on first use.
func (h *MemoryHub) Endpoint(id PeerID) *MemorySignaler {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.endpoints[id]; ok {
		return s
	}
	s := &MemorySignaler{
		hub:  h,
		id:   id,
		recv: make(chan Signal, 64),
	}
	h.endpoints[id] = s
	return s
}

func (h *MemoryHub) lookup(id PeerID) (*MemorySignaler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.endpoints[id]
	return s, ok
}

type MemorySignaler struct {
	hub  *MemoryHub
	id   PeerID
	recv chan Signal

	mu     sync.Mutex
	closed bool
}

func (s *MemorySignaler) SendSignal(ctx context.Context, peerID PeerID, signal []byte) error {
	target, ok := s.hub.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.closed {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	payload := append([]byte(nil), signal...)
	select {
	case target.recv <- Signal{PeerID: s.id, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemorySignaler) RecvSignal() <-chan Signal {
	return s.recv
}

func (s *MemorySignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.recv)
	}
	return nil
}
