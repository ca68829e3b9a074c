package protocol

import (
	"fmt"
	"math"
)

// InputFrame is a snapshot of the controller at the moment one of its
// tracked axes or buttons changed value.
type InputFrame struct {
	LeftStickX float32
	LeftStickY float32
	ButtonA    bool
	ButtonB    bool
	ButtonY    bool
}

// Validate reports whether both stick axes are finite and within [-1, 1].
func (f InputFrame) Validate() error {
	if !validAxis(f.LeftStickX) {
		return fmt.Errorf("left stick x out of range: %v", f.LeftStickX)
	}
	if !validAxis(f.LeftStickY) {
		return fmt.Errorf("left stick y out of range: %v", f.LeftStickY)
	}
	return nil
}

// ClampAxis maps any float onto [-1, 1]. NaN becomes 0.
func ClampAxis(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

func validAxis(v float32) bool {
	return !math.IsNaN(float64(v)) && v >= -1 && v <= 1
}
