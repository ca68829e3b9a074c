package protocol

const (
	// CodeKey is the advertisement key carrying the host's pairing code.
	CodeKey = "code"
	// ServiceType scopes browsing to game-controller hosts.
	ServiceType = "game-controller"

	InputFrameSize = 16
	MaxPeerIDSize  = 64
)

type MessageType uint16

const (
	MsgAdvertise  MessageType = 0x0010
	MsgBrowse     MessageType = 0x0020
	MsgError      MessageType = 0x00FF
	MsgHello      MessageType = 0x0003
	MsgPeerFound  MessageType = 0x0021
	MsgPeerLost   MessageType = 0x0022
	MsgPing       MessageType = 0x0001
	MsgPong       MessageType = 0x0002
	MsgSignal     MessageType = 0x0030
	MsgStopBrowse MessageType = 0x0023
	MsgWithdraw   MessageType = 0x0011
)

func (t MessageType) String() string {
	switch t {
	case MsgAdvertise:
		return "ADVERTISE"
	case MsgBrowse:
		return "BROWSE"
	case MsgError:
		return "ERROR"
	case MsgHello:
		return "HELLO"
	case MsgPeerFound:
		return "PEER_FOUND"
	case MsgPeerLost:
		return "PEER_LOST"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgSignal:
		return "SIGNAL"
	case MsgStopBrowse:
		return "STOP_BROWSE"
	case MsgWithdraw:
		return "WITHDRAW"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrInternal     ErrorCode = 0x00FF
	ErrInvalidMsg   ErrorCode = 0x0001
	ErrNotHello     ErrorCode = 0x0005
	ErrPeerNotFound ErrorCode = 0x0004
	ErrUnknown      ErrorCode = 0x0000
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrNotHello:
		return "HELLO_REQUIRED"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}
