package controller

import (
	"fmt"
	"strings"

	"github.com/rudransh-shrivastava/nguli/internal/transport"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome records how the most recent transition came about.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeConnected
	OutcomeTimedOut
	OutcomePeerLost
	OutcomeDisconnected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "NONE"
	case OutcomeConnected:
		return "CONNECTED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	case OutcomePeerLost:
		return "PEER_LOST"
	case OutcomeDisconnected:
		return "DISCONNECTED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status is an immutable snapshot of the controller. Attempt counts
// Connect calls, including automatic reconnects.
type Status struct {
	State   State
	Code    string
	Peer    transport.PeerID
	Attempt uint64
	Outcome Outcome
}

type ReconnectPolicy int

const (
	ReconnectManual ReconnectPolicy = iota
	ReconnectAuto
)

func (p ReconnectPolicy) String() string {
	if p == ReconnectAuto {
		return "auto"
	}
	return "manual"
}

func ParseReconnectPolicy(s string) (ReconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return ReconnectManual, nil
	case "auto":
		return ReconnectAuto, nil
	default:
		return ReconnectManual, fmt.Errorf("unknown reconnect policy %q", s)
	}
}
