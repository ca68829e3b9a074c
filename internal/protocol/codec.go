package protocol

import (
	"bytes"
	"encoding/gob"
	"io"
)

func init() {
	gob.Register(&Advertise{})
	gob.Register(&Browse{})
	gob.Register(&Error{})
	gob.Register(&Hello{})
	gob.Register(&PeerFound{})
	gob.Register(&PeerLost{})
	gob.Register(&Ping{})
	gob.Register(&Pong{})
	gob.Register(&Signal{})
	gob.Register(&StopBrowse{})
	gob.Register(&Withdraw{})
}

// Codec encodes rendezvous messages. Every encoded message is
// self-describing, so one websocket frame always holds exactly one message.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}
