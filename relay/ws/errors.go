package ws

import "errors"

var (
	// ErrChannelClosed is returned by operations on a torn-down channel.
	ErrChannelClosed = errors.New("relay channel is closed")
)
