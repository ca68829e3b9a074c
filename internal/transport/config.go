package transport

import "time"

const (
	DataChannelLabel    = "input"
	DataChannelProtocol = "nguli-input"

	DefaultInvitationTimeout = 10 * time.Second
)
