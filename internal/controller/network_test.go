package controller_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/nguli/internal/controller"
	"github.com/rudransh-shrivastava/nguli/internal/logger"
	"github.com/rudransh-shrivastava/nguli/internal/protocol"
	"github.com/rudransh-shrivastava/nguli/internal/rendezvous"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/rudransh-shrivastava/nguli/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

// network runs a rendezvous server with real hosts and clients on
// loopback.
type network struct {
	t      *testing.T
	ctx    context.Context
	cancel context.CancelFunc
	server *rendezvous.Server
	log    *logrus.Logger
}

func newNetwork(t *testing.T) *network {
	t.Helper()

	log := logger.New(io.Discard, logrus.DebugLevel)
	srv, err := rendezvous.NewServer(rendezvous.Config{
		Addr:   "127.0.0.1:0",
		Logger: log,
	})
	if err != nil {
		t.Fatalf("Failed to create rendezvous server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	go func() { _ = srv.Start(ctx) }()

	n := &network{t: t, ctx: ctx, cancel: cancel, server: srv, log: log}
	t.Cleanup(n.close)
	return n
}

func (n *network) close() {
	n.cancel()
	_ = n.server.Shutdown()
}

func (n *network) dial(id transport.PeerID) *rendezvous.Client {
	n.t.Helper()
	client, err := rendezvous.Dial(n.ctx, rendezvous.ClientConfig{
		URL:    n.server.URL(),
		PeerID: id,
		Logger: n.log,
	})
	if err != nil {
		n.t.Fatalf("Failed to dial rendezvous: %v", err)
	}
	n.t.Cleanup(func() { _ = client.Close() })
	return client
}

func (n *network) session(rv *rendezvous.Client, acceptOffers bool) *webrtc.Session {
	session := webrtc.New(rv, webrtc.Config{
		LocalID:         rv.ID(),
		STUNServers:     []string{},
		AcceptOffers:    acceptOffers,
		IncludeLoopback: true,
		Logger:          n.log,
	})
	go func() { _ = session.Run(n.ctx) }()
	n.t.Cleanup(func() { _ = session.Close() })
	return session
}

type host struct {
	states chan transport.PeerState
	data   chan []byte
}

func (h *host) PeerStateChanged(_ transport.PeerID, state transport.PeerState) {
	select {
	case h.states <- state:
	default:
	}
}

func (h *host) DataReceived(_ transport.PeerID, data []byte) {
	h.data <- append([]byte(nil), data...)
}

func (n *network) host(id transport.PeerID, code string) *host {
	n.t.Helper()

	rv := n.dial(id)
	h := &host{
		states: make(chan transport.PeerState, 16),
		data:   make(chan []byte, 16),
	}
	n.session(rv, true).SetListener(h)

	if err := rv.Advertise(n.ctx, protocol.ServiceType, map[string]string{protocol.CodeKey: code}); err != nil {
		n.t.Fatalf("Advertise failed: %v", err)
	}
	return h
}

func waitForState(t *testing.T, c *controller.Controller, want controller.State, timeout time.Duration) controller.Status {
	t.Helper()
	updates, cancel := c.Subscribe()
	defer cancel()

	deadline := time.After(timeout)
	for {
		select {
		case st := <-updates:
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("Timeout waiting for %s, last status %+v", want, c.Status())
			return controller.Status{}
		}
	}
}

func TestConnectStreamAndDisconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	net := newNetwork(t)
	decoy := net.host("decoy", "9999")
	target := net.host("target", "1234")

	rv := net.dial("gamepad")
	ctrl := controller.New(controller.Options{
		Browser:           rv,
		Session:           net.session(rv, false),
		Logger:            net.log,
		ConnectionTimeout: 15 * time.Second,
	})
	go func() { _ = ctrl.Run(net.ctx) }()
	t.Cleanup(ctrl.Close)

	if err := ctrl.Connect(net.ctx, "1234"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	st := waitForState(t, ctrl, controller.Connected, 20*time.Second)
	if st.Peer != "target" {
		t.Fatalf("Expected to connect to target, got %s", st.Peer)
	}

	frame := protocol.InputFrame{LeftStickX: 0.25, LeftStickY: -1, ButtonA: true, ButtonY: true}
	ctrl.HandleFrame(frame)

	select {
	case data := <-target.data:
		got, err := protocol.NewFrameCodec().Decode(data)
		if err != nil {
			t.Fatalf("Host failed to decode frame: %v", err)
		}
		if got != frame {
			t.Errorf("Host received %+v, want %+v", got, frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for frame at host")
	}

	select {
	case data := <-decoy.data:
		t.Errorf("Decoy host received data %x", data)
	default:
	}

	if err := ctrl.Disconnect(net.ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if st := ctrl.Status(); st.State != controller.Idle || st.Outcome != controller.OutcomeDisconnected {
		t.Errorf("Expected Idle after Disconnect, got %+v", st)
	}
}

func TestConnectTimesOutWithoutHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	net := newNetwork(t)
	net.host("decoy", "9999")

	rv := net.dial("gamepad")
	ctrl := controller.New(controller.Options{
		Browser:           rv,
		Session:           net.session(rv, false),
		Logger:            net.log,
		ConnectionTimeout: 500 * time.Millisecond,
	})
	go func() { _ = ctrl.Run(net.ctx) }()
	t.Cleanup(ctrl.Close)

	if err := ctrl.Connect(net.ctx, "1234"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	st := waitForState(t, ctrl, controller.Idle, 5*time.Second)
	if st.Outcome != controller.OutcomeTimedOut {
		t.Errorf("Expected TimedOut, got %s", st.Outcome)
	}
}
