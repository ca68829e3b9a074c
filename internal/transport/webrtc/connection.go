package webrtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
)

type connection struct {
	peerID      transport.PeerID
	pc          *webrtc.PeerConnection
	session     *Session
	isInitiator bool

	// notifyMu orders state callbacks so NotConnected is always the last
	// one a listener sees. It is taken before mu.
	notifyMu sync.Mutex

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	state     transport.PeerState
	timer     clockwork.Timer
	closeOnce sync.Once
}

func newConnection(peerID transport.PeerID, pc *webrtc.PeerConnection, session *Session, isInitiator bool) *connection {
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		session:     session,
		isInitiator: isInitiator,
		state:       transport.Connecting,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		session.logger.WithField("peer", peerID).Debugf("Peer connection state changed: %s", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			go conn.close()
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func (c *connection) createDataChannel() error {
	dc, err := c.pc.CreateDataChannel(transport.DataChannelLabel, DefaultDataChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	log := c.session.logger.WithField("peer", c.peerID)

	dc.OnOpen(func() {
		if err := c.verifyEncrypted(); err != nil {
			log.Warnf("Refusing peer: %v", err)
			go c.close()
			return
		}
		log.Debugf("Data channel '%s' open", dc.Label())
		c.markConnected()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.session.listener().DataReceived(c.peerID, msg.Data)
	})

	dc.OnError(func(err error) {
		log.Errorf("Data channel error: %v", err)
	})

	dc.OnClose(func() {
		log.Debugf("Data channel '%s' closed", dc.Label())
		go c.close()
	})
}

// verifyEncrypted checks that the data channel rides on a connected DTLS
// transport before any data is accepted from the peer.
func (c *connection) verifyEncrypted() error {
	sctp := c.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil {
		return transport.ErrEncryptionRequired
	}
	if state := sctp.Transport().State(); state != webrtc.DTLSTransportStateConnected {
		return fmt.Errorf("%w: dtls state %s", transport.ErrEncryptionRequired, state)
	}
	return nil
}

func (c *connection) markConnected() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state != transport.Connecting {
		c.mu.Unlock()
		return
	}
	c.state = transport.Connected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.session.logger.WithField("peer", c.peerID).Info("Peer connected")
	c.session.listener().PeerStateChanged(c.peerID, transport.Connected)
}

// armTimeout closes the connection if it is not connected within the
// invitation window.
func (c *connection) armTimeout(clock clockwork.Clock, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != transport.Connecting {
		return
	}
	c.timer = clock.AfterFunc(d, func() {
		if c.State() == transport.Connecting {
			c.session.logger.WithField("peer", c.peerID).Warn("Invitation expired")
			c.close()
		}
	})
}

func (c *connection) State() transport.PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) handleAnswer(sdp string) error {
	if c.pc.RemoteDescription() != nil {
		return nil
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	state := c.state
	c.mu.Unlock()

	if dc == nil || state != transport.Connected {
		return fmt.Errorf("data channel not ready")
	}
	return dc.Send(data)
}

// close tears the connection down and reports NotConnected exactly once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = transport.NotConnected
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		dc := c.dc
		c.mu.Unlock()

		c.session.remove(c)

		if dc != nil {
			_ = dc.Close()
		}
		_ = c.pc.Close()

		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		c.session.logger.WithField("peer", c.peerID).Info("Peer disconnected")
		c.session.listener().PeerStateChanged(c.peerID, transport.NotConnected)
	})
}
