package protocol

// Message is a rendezvous control message exchanged over the websocket.
type Message interface {
	Type() MessageType
}

// Advertise publishes the sender as a host in Service with the given info
// (for game-controller hosts, Info[CodeKey] carries the pairing code).
type Advertise struct {
	Info    map[string]string
	Service string
}

func (Advertise) Type() MessageType { return MsgAdvertise }

type Browse struct {
	Service string
}

func (Browse) Type() MessageType { return MsgBrowse }

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

// Hello binds a websocket connection to a peer identity. It must be the
// first message on every connection.
type Hello struct {
	PeerID string
}

func (Hello) Type() MessageType { return MsgHello }

type PeerFound struct {
	Info    map[string]string
	PeerID  string
	Service string
}

func (PeerFound) Type() MessageType { return MsgPeerFound }

type PeerLost struct {
	PeerID  string
	Service string
}

func (PeerLost) Type() MessageType { return MsgPeerLost }

// Ping is a heartbeat. The server echoes Seq in its Pong and refreshes the
// sender's advertisement.
type Ping struct {
	Seq uint64
}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct {
	Seq uint64
}

func (Pong) Type() MessageType { return MsgPong }

// Signal carries an opaque session-negotiation payload between two peers.
// The server fills From; clients address To.
type Signal struct {
	From    string
	Payload []byte
	To      string
}

func (Signal) Type() MessageType { return MsgSignal }

type StopBrowse struct {
	Service string
}

func (StopBrowse) Type() MessageType { return MsgStopBrowse }

type Withdraw struct {
	Service string
}

func (Withdraw) Type() MessageType { return MsgWithdraw }
