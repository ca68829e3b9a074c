package webrtc

import (
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/nguli/internal/transport"
	"github.com/sirupsen/logrus"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

type Config struct {
	LocalID transport.PeerID
	// STUNServers defaults to the public Google servers when nil. An empty,
	// non-nil slice disables STUN (LAN only).
	STUNServers []string
	// AcceptOffers lets remote peers initiate sessions. Controllers only
	// invite, so they leave this off.
	AcceptOffers bool
	// IncludeLoopback gathers loopback candidates, for same-host testing.
	IncludeLoopback bool
	Clock           clockwork.Clock
	Logger          *logrus.Logger
}

func DefaultSTUNConfig() webrtc.Configuration {
	return stunConfig(defaultSTUNServers)
}

func stunConfig(servers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{
			{URLs: servers},
		}
	}
	return cfg
}

// DefaultDataChannelConfig is reliable and ordered: every frame is delivered,
// in the order it was sampled.
func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := transport.DataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
