package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the input frame record. New fields must take new numbers;
// existing numbers are never reused.
const (
	fieldLeftStickX protowire.Number = 1
	fieldLeftStickY protowire.Number = 2
	fieldButtonA    protowire.Number = 3
	fieldButtonB    protowire.Number = 4
	fieldButtonY    protowire.Number = 5

	fieldCount = 5
)

var ErrFrameOutOfRange = errors.New("input frame out of range")

// DecodeError reports a malformed or schema-mismatched input frame.
type DecodeError struct {
	Offset int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode input frame at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode input frame at offset %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FrameCodec serializes InputFrames using the protobuf wire format. All five
// fields are always written, in field order, so the encoding of a given
// frame is byte-for-byte stable.
type FrameCodec struct{}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

func (c *FrameCodec) Encode(f InputFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameOutOfRange, err)
	}

	b := make([]byte, 0, InputFrameSize)
	b = protowire.AppendTag(b, fieldLeftStickX, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(f.LeftStickX))
	b = protowire.AppendTag(b, fieldLeftStickY, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(f.LeftStickY))
	b = appendBool(b, fieldButtonA, f.ButtonA)
	b = appendBool(b, fieldButtonB, f.ButtonB)
	b = appendBool(b, fieldButtonY, f.ButtonY)
	return b, nil
}

func (c *FrameCodec) Decode(data []byte) (InputFrame, error) {
	var f InputFrame
	var seen [fieldCount + 1]bool
	offset := 0

	for offset < len(data) {
		num, typ, n := protowire.ConsumeTag(data[offset:])
		if n < 0 {
			return InputFrame{}, &DecodeError{Offset: offset, Reason: "bad tag", Err: protowire.ParseError(n)}
		}
		if num < fieldLeftStickX || num > fieldButtonY {
			return InputFrame{}, &DecodeError{Offset: offset, Reason: fmt.Sprintf("unknown field %d", num)}
		}
		if seen[num] {
			return InputFrame{}, &DecodeError{Offset: offset, Reason: fmt.Sprintf("duplicate field %d", num)}
		}
		seen[num] = true
		fieldOffset := offset
		offset += n

		switch num {
		case fieldLeftStickX, fieldLeftStickY:
			if typ != protowire.Fixed32Type {
				return InputFrame{}, &DecodeError{Offset: fieldOffset, Reason: fmt.Sprintf("field %d: wire type %d, want fixed32", num, typ)}
			}
			v, n := protowire.ConsumeFixed32(data[offset:])
			if n < 0 {
				return InputFrame{}, &DecodeError{Offset: offset, Reason: "truncated axis", Err: protowire.ParseError(n)}
			}
			axis := math.Float32frombits(v)
			if !validAxis(axis) {
				return InputFrame{}, &DecodeError{Offset: offset, Reason: fmt.Sprintf("axis %v out of range", axis)}
			}
			if num == fieldLeftStickX {
				f.LeftStickX = axis
			} else {
				f.LeftStickY = axis
			}
			offset += n

		default:
			if typ != protowire.VarintType {
				return InputFrame{}, &DecodeError{Offset: fieldOffset, Reason: fmt.Sprintf("field %d: wire type %d, want varint", num, typ)}
			}
			v, n := protowire.ConsumeVarint(data[offset:])
			if n < 0 {
				return InputFrame{}, &DecodeError{Offset: offset, Reason: "truncated button", Err: protowire.ParseError(n)}
			}
			if v > 1 {
				return InputFrame{}, &DecodeError{Offset: offset, Reason: fmt.Sprintf("button value %d is not a bool", v)}
			}
			pressed := protowire.DecodeBool(v)
			switch num {
			case fieldButtonA:
				f.ButtonA = pressed
			case fieldButtonB:
				f.ButtonB = pressed
			case fieldButtonY:
				f.ButtonY = pressed
			}
			offset += n
		}
	}

	for num := fieldLeftStickX; num <= fieldButtonY; num++ {
		if !seen[num] {
			return InputFrame{}, &DecodeError{Offset: len(data), Reason: fmt.Sprintf("missing field %d", num)}
		}
	}
	return f, nil
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
