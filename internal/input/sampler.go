// Package input turns a physical gamepad into a stream of InputFrames.
package input

import (
	"context"

	"github.com/rudransh-shrivastava/nguli/internal/protocol"
)

type Handler func(protocol.InputFrame)

// Sampler pushes a frame to the handler whenever a tracked axis or button
// changes. Run blocks until ctx is cancelled or the device fails.
type Sampler interface {
	Run(ctx context.Context, handler Handler) error
}
