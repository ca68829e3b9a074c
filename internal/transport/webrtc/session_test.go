package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

const plaintextSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

const encryptedSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=fingerprint:sha-256 0F:74:31:25:CB:A2:13:EC:28:6F:6D:2C:61:FF:5D:C2:BC:B9:DB:3D:98:14:8D:1A:BB:EA:33:0C:A4:60:A8:8E\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n"

type recordingListener struct {
	mu     sync.Mutex
	states map[transport.PeerID][]transport.PeerState
	stateC chan transport.PeerState
	dataC  chan []byte
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		states: make(map[transport.PeerID][]transport.PeerState),
		stateC: make(chan transport.PeerState, 16),
		dataC:  make(chan []byte, 16),
	}
}

func (l *recordingListener) PeerStateChanged(peer transport.PeerID, state transport.PeerState) {
	l.mu.Lock()
	l.states[peer] = append(l.states[peer], state)
	l.mu.Unlock()
	l.stateC <- state
}

func (l *recordingListener) DataReceived(_ transport.PeerID, data []byte) {
	l.dataC <- append([]byte(nil), data...)
}

func (l *recordingListener) waitFor(t *testing.T, want transport.PeerState, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case got := <-l.stateC:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for %s", want)
		}
	}
}

func quietLogger() *logrus.Logger {
	return logger.New(io.Discard, logrus.DebugLevel)
}

func TestRequireEncryption(t *testing.T) {
	if err := requireEncryption(encryptedSDP); err != nil {
		t.Errorf("Expected encrypted SDP to pass, got %v", err)
	}

	if err := requireEncryption(plaintextSDP); !errors.Is(err, transport.ErrEncryptionRequired) {
		t.Errorf("Expected ErrEncryptionRequired, got %v", err)
	}

	if err := requireEncryption("not an sdp"); !errors.Is(err, transport.ErrEncryptionRequired) {
		t.Errorf("Expected ErrEncryptionRequired for garbage, got %v", err)
	}
}

func TestHandleSignalRejectsPlaintextOffer(t *testing.T) {
	hub := transport.NewMemoryHub()
	host := New(hub.Endpoint("host"), Config{
		LocalID:      "host",
		STUNServers:  []string{},
		AcceptOffers: true,
		Logger:       quietLogger(),
	})
	defer func() { _ = host.Close() }()

	err := host.HandleSignal(context.Background(), transport.Signal{PeerID: "client", Payload: []byte(plaintextSDP)})
	if !errors.Is(err, transport.ErrEncryptionRequired) {
		t.Fatalf("Expected ErrEncryptionRequired, got %v", err)
	}

	if peers := host.ConnectedPeers(); len(peers) != 0 {
		t.Errorf("Expected no peers, got %v", peers)
	}
}

func TestHandleSignalOffersDisabled(t *testing.T) {
	hub := transport.NewMemoryHub()
	client := New(hub.Endpoint("client"), Config{
		LocalID:     "client",
		STUNServers: []string{},
		Logger:      quietLogger(),
	})
	defer func() { _ = client.Close() }()

	err := client.HandleSignal(context.Background(), transport.Signal{PeerID: "stranger", Payload: []byte(encryptedSDP)})
	if !errors.Is(err, ErrOffersDisabled) {
		t.Errorf("Expected ErrOffersDisabled, got %v", err)
	}
}

func TestSendWithoutPeers(t *testing.T) {
	hub := transport.NewMemoryHub()
	client := New(hub.Endpoint("client"), Config{STUNServers: []string{}, Logger: quietLogger()})
	defer func() { _ = client.Close() }()

	if err := client.Send([]byte{1}); !errors.Is(err, transport.ErrNoPeers) {
		t.Errorf("Expected ErrNoPeers, got %v", err)
	}

	if err := client.DropPeer("nobody"); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Errorf("Expected ErrUnknownPeer, got %v", err)
	}
}

func TestInvitationExpires(t *testing.T) {
	hub := transport.NewMemoryHub()
	hub.Endpoint("silent-host")
	clock := clockwork.NewFakeClock()

	client := New(hub.Endpoint("client"), Config{
		STUNServers: []string{},
		Clock:       clock,
		Logger:      quietLogger(),
	})
	defer func() { _ = client.Close() }()

	listener := newRecordingListener()
	client.SetListener(listener)

	if err := client.Invite(context.Background(), "silent-host", 10*time.Second); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	listener.waitFor(t, transport.Connecting, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("Invitation timer never armed: %v", err)
	}
	clock.Advance(11 * time.Second)

	listener.waitFor(t, transport.NotConnected, 5*time.Second)
}

func TestSessionsConnectAndExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC handshake in short mode")
	}

	hub := transport.NewMemoryHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	host := New(hub.Endpoint("host"), Config{
		LocalID:         "host",
		STUNServers:     []string{},
		AcceptOffers:    true,
		IncludeLoopback: true,
		Logger:          quietLogger(),
	})
	defer func() { _ = host.Close() }()
	hostListener := newRecordingListener()
	host.SetListener(hostListener)

	client := New(hub.Endpoint("client"), Config{
		LocalID:         "client",
		STUNServers:     []string{},
		IncludeLoopback: true,
		Logger:          quietLogger(),
	})
	defer func() { _ = client.Close() }()
	clientListener := newRecordingListener()
	client.SetListener(clientListener)

	go func() { _ = host.Run(ctx) }()
	go func() { _ = client.Run(ctx) }()

	if err := client.Invite(ctx, "host", 15*time.Second); err != nil {
		t.Fatalf("Invite failed: %v", err)
	}

	clientListener.waitFor(t, transport.Connected, 15*time.Second)
	hostListener.waitFor(t, transport.Connected, 15*time.Second)

	if peers := client.ConnectedPeers(); len(peers) != 1 || peers[0] != "host" {
		t.Fatalf("Expected [host], got %v", peers)
	}

	if err := client.Send([]byte{0x0d, 0x01}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-hostListener.dataC:
		if len(data) != 2 || data[0] != 0x0d {
			t.Errorf("Unexpected payload %x", data)
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for data")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	clientListener.waitFor(t, transport.NotConnected, 5*time.Second)

	if peers := client.ConnectedPeers(); len(peers) != 0 {
		t.Errorf("Expected no peers after Disconnect, got %v", peers)
	}
}

type orderListener struct {
	mu     sync.Mutex
	states map[transport.PeerID][]transport.PeerState
}

func (l *orderListener) PeerStateChanged(peer transport.PeerID, state transport.PeerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[peer] = append(l.states[peer], state)
}

func (l *orderListener) DataReceived(transport.PeerID, []byte) {}

func TestCloseRacingConnectReportsNotConnectedLast(t *testing.T) {
	hub := transport.NewMemoryHub()
	s := New(hub.Endpoint("client"), Config{STUNServers: []string{}, Logger: quietLogger()})
	defer func() { _ = s.Close() }()

	listener := &orderListener{states: make(map[transport.PeerID][]transport.PeerState)}
	s.SetListener(listener)

	for i := 0; i < 50; i++ {
		peer := transport.PeerID(fmt.Sprintf("host-%d", i))
		pc, err := s.api.NewPeerConnection(s.rtc)
		if err != nil {
			t.Fatalf("NewPeerConnection failed: %v", err)
		}
		conn := newConnection(peer, pc, s, true)
		s.mu.Lock()
		s.connections[peer] = conn
		s.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); conn.markConnected() }()
		go func() { defer wg.Done(); conn.close() }()
		wg.Wait()

		listener.mu.Lock()
		states := append([]transport.PeerState(nil), listener.states[peer]...)
		listener.mu.Unlock()

		if len(states) == 0 || states[len(states)-1] != transport.NotConnected {
			t.Fatalf("%s: expected NotConnected last, got %v", peer, states)
		}
	}
}
