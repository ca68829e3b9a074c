// Package webrtc implements transport.Session over pion WebRTC data
// channels. Every session is DTLS-encrypted; peers whose session
// descriptions carry no DTLS fingerprint are refused.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

var _ transport.Session = (*Session)(nil)

var ErrOffersDisabled = errors.New("incoming offers are disabled")

type Session struct {
	config   Config
	api      *webrtc.API
	rtc      webrtc.Configuration
	signaler transport.Signaler
	clock    clockwork.Clock
	logger   *logrus.Logger

	mu          sync.RWMutex
	connections map[transport.PeerID]*connection
	l           transport.Listener

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session that negotiates through signaler. Call Run to
// process incoming signals.
func New(signaler transport.Signaler, cfg Config) *Session {
	servers := cfg.STUNServers
	if servers == nil {
		servers = defaultSTUNServers
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	settings := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	return &Session{
		config:      cfg,
		api:         webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		rtc:         stunConfig(servers),
		signaler:    signaler,
		clock:       clock,
		logger:      log,
		connections: make(map[transport.PeerID]*connection),
		l:           nopListener{},
		done:        make(chan struct{}),
	}
}

func (s *Session) SetListener(l transport.Listener) {
	if l == nil {
		l = nopListener{}
	}
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
}

func (s *Session) listener() transport.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l
}

// Run handles incoming signals until ctx is cancelled, Close is called or
// the signaler shuts down.
func (s *Session) Run(ctx context.Context) error {
	signals := s.signaler.RecvSignal()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if err := s.HandleSignal(ctx, sig); err != nil {
				s.logger.WithField("peer", sig.PeerID).Warnf("Failed to handle signal: %v", err)
			}
		}
	}
}

func (s *Session) Invite(ctx context.Context, peer transport.PeerID, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = transport.DefaultInvitationTimeout
	}

	s.mu.Lock()
	if existing, ok := s.connections[peer]; ok && existing.State() != transport.NotConnected {
		s.mu.Unlock()
		s.logger.WithField("peer", peer).Debug("Invitation already in progress")
		return nil
	}

	pc, err := s.api.NewPeerConnection(s.rtc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	conn := newConnection(peer, pc, s, true)
	s.connections[peer] = conn
	s.mu.Unlock()

	s.logger.WithField("peer", peer).Info("Inviting peer")
	s.listener().PeerStateChanged(peer, transport.Connecting)
	conn.armTimeout(s.clock, timeout)

	go func() {
		offerCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.offer(offerCtx, conn); err != nil {
			s.logger.WithField("peer", peer).Warnf("Invitation failed: %v", err)
			conn.close()
		}
	}()
	return nil
}

func (s *Session) offer(ctx context.Context, conn *connection) error {
	if err := conn.createDataChannel(); err != nil {
		return err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("gathering candidates: %w", ctx.Err())
	}

	if err := s.signaler.SendSignal(ctx, conn.peerID, []byte(conn.pc.LocalDescription().SDP)); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// HandleSignal applies an answer to a pending invitation or, when
// AcceptOffers is set, answers a new offer.
func (s *Session) HandleSignal(ctx context.Context, sig transport.Signal) error {
	s.mu.RLock()
	conn, exists := s.connections[sig.PeerID]
	s.mu.RUnlock()

	if err := requireEncryption(string(sig.Payload)); err != nil {
		if exists {
			conn.close()
		}
		return err
	}

	if exists {
		if !conn.isInitiator {
			s.logger.WithField("peer", sig.PeerID).Debug("Ignoring repeated offer")
			return nil
		}
		return conn.handleAnswer(string(sig.Payload))
	}

	if !s.config.AcceptOffers {
		return ErrOffersDisabled
	}
	return s.answer(ctx, sig)
}

func (s *Session) answer(ctx context.Context, sig transport.Signal) error {
	pc, err := s.api.NewPeerConnection(s.rtc)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	conn := newConnection(sig.PeerID, pc, s, false)

	s.mu.Lock()
	s.connections[sig.PeerID] = conn
	s.mu.Unlock()
	s.listener().PeerStateChanged(sig.PeerID, transport.Connecting)
	conn.armTimeout(s.clock, transport.DefaultInvitationTimeout)

	fail := func(err error) error {
		conn.close()
		return err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(sig.Payload)}); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(fmt.Errorf("gathering candidates: %w", ctx.Err()))
	}

	if err := s.signaler.SendSignal(ctx, sig.PeerID, []byte(pc.LocalDescription().SDP)); err != nil {
		return fail(fmt.Errorf("failed to send answer: %w", err))
	}
	return nil
}

func (s *Session) Send(data []byte) error {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		if conn.State() == transport.Connected {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return transport.ErrNoPeers
	}

	var errs []error
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.peerID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", transport.ErrSendFailed, errors.Join(errs...))
	}
	return nil
}

func (s *Session) ConnectedPeers() []transport.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]transport.PeerID, 0, len(s.connections))
	for id, conn := range s.connections {
		if conn.State() == transport.Connected {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (s *Session) DropPeer(peer transport.PeerID) error {
	s.mu.RLock()
	conn, ok := s.connections[peer]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	conn.close()
	return nil
}

func (s *Session) Disconnect() error {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		conn.close()
	}
	return nil
}

// Close disconnects every peer and stops Run. The signaler is left open.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return s.Disconnect()
}

func (s *Session) remove(conn *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.connections[conn.peerID]; ok && current == conn {
		delete(s.connections, conn.peerID)
	}
}

// requireEncryption rejects session descriptions without a DTLS
// fingerprint at session or media level.
func requireEncryption(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: unparseable session description: %v", transport.ErrEncryptionRequired, err)
	}

	if _, ok := desc.Attribute("fingerprint"); ok {
		return nil
	}
	for _, media := range desc.MediaDescriptions {
		if _, ok := media.Attribute("fingerprint"); ok {
			return nil
		}
	}
	return transport.ErrEncryptionRequired
}

type nopListener struct{}

func (nopListener) PeerStateChanged(transport.PeerID, transport.PeerState) {}
func (nopListener) DataReceived(transport.PeerID, []byte)                  {}
