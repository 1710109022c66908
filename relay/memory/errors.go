package memory

import "errors"

var (
	// ErrChannelGone is returned by operations on a channel that was torn
	// down or never subscribed.
	ErrChannelGone = errors.New("channel is not subscribed")
)
