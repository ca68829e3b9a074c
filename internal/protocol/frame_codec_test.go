package protocol

import (
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameCodecRoundTrip(t *testing.T) {
	codec := NewFrameCodec()

	frames := []InputFrame{
		{},
		{LeftStickX: 1, LeftStickY: -1},
		{LeftStickX: -1, LeftStickY: 1, ButtonA: true},
		{LeftStickX: 0.25, LeftStickY: -0.75, ButtonB: true, ButtonY: true},
		{LeftStickX: 1e-7, LeftStickY: -0.3333333, ButtonA: true, ButtonB: true, ButtonY: true},
	}

	for _, frame := range frames {
		data, err := codec.Encode(frame)
		if err != nil {
			t.Fatalf("Encode(%+v) failed: %v", frame, err)
		}

		if len(data) != InputFrameSize {
			t.Errorf("Encode(%+v) produced %d bytes, want %d", frame, len(data), InputFrameSize)
		}

		decoded, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)) failed: %v", frame, err)
		}

		if decoded != frame {
			t.Errorf("Round trip mismatch: got %+v, want %+v", decoded, frame)
		}
	}
}

func TestFrameCodecRoundTripSweep(t *testing.T) {
	codec := NewFrameCodec()

	for i := -100; i <= 100; i++ {
		axis := float32(i) / 100
		for buttons := 0; buttons < 8; buttons++ {
			frame := InputFrame{
				LeftStickX: axis,
				LeftStickY: -axis,
				ButtonA:    buttons&1 != 0,
				ButtonB:    buttons&2 != 0,
				ButtonY:    buttons&4 != 0,
			}

			data, err := codec.Encode(frame)
			if err != nil {
				t.Fatalf("Encode(%+v) failed: %v", frame, err)
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed for %+v: %v", frame, err)
			}
			if decoded != frame {
				t.Fatalf("Round trip mismatch: got %+v, want %+v", decoded, frame)
			}
		}
	}
}

func TestFrameCodecDeterministic(t *testing.T) {
	codec := NewFrameCodec()
	frame := InputFrame{LeftStickX: 0.5, LeftStickY: 0.5, ButtonY: true}

	first, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("Encoding is not deterministic: %x vs %x", first, second)
	}
}

func TestFrameCodecEncodeRejectsOutOfRange(t *testing.T) {
	codec := NewFrameCodec()

	frames := []InputFrame{
		{LeftStickX: 1.5},
		{LeftStickY: -1.01},
		{LeftStickX: float32(math.NaN())},
		{LeftStickY: float32(math.Inf(1))},
	}

	for _, frame := range frames {
		if _, err := codec.Encode(frame); !errors.Is(err, ErrFrameOutOfRange) {
			t.Errorf("Encode(%+v) error = %v, want ErrFrameOutOfRange", frame, err)
		}
	}
}

func TestFrameCodecDecodeMalformed(t *testing.T) {
	codec := NewFrameCodec()

	valid, err := codec.Encode(InputFrame{LeftStickX: 0.1, ButtonA: true})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	outOfRange := protowire.AppendTag(nil, fieldLeftStickX, protowire.Fixed32Type)
	outOfRange = protowire.AppendFixed32(outOfRange, math.Float32bits(2))
	outOfRange = append(outOfRange, valid[5:]...)

	wrongType := protowire.AppendTag(nil, fieldLeftStickX, protowire.VarintType)
	wrongType = protowire.AppendVarint(wrongType, 1)
	wrongType = append(wrongType, valid[5:]...)

	notBool := append([]byte{}, valid[:10]...)
	notBool = protowire.AppendTag(notBool, fieldButtonA, protowire.VarintType)
	notBool = protowire.AppendVarint(notBool, 2)
	notBool = append(notBool, valid[12:]...)

	unknownField := append(append([]byte{}, valid...), protowire.AppendVarint(protowire.AppendTag(nil, 9, protowire.VarintType), 1)...)

	duplicate := append(append([]byte{}, valid...), valid[10:12]...)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"truncated axis", valid[:3]},
		{"missing field", valid[:len(valid)-2]},
		{"axis out of range", outOfRange},
		{"wrong wire type", wrongType},
		{"button not bool", notBool},
		{"unknown field", unknownField},
		{"duplicate field", duplicate},
		{"garbage", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		_, err := codec.Decode(tt.data)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}

		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("%s: expected *DecodeError, got %T", tt.name, err)
		}
	}
}

func TestClampAxis(t *testing.T) {
	tests := []struct {
		in       float32
		expected float32
	}{
		{0, 0},
		{0.5, 0.5},
		{1.2, 1},
		{-3, -1},
		{float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		if got := ClampAxis(tt.in); got != tt.expected {
			t.Errorf("ClampAxis(%v) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}
