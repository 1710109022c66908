package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated means no identity could be resolved at connect
	// time.
	ErrNotAuthenticated = errors.New("unable to resolve participant identity")

	// ErrNotConnected means the client was not connected when a room
	// operation was attempted.
	ErrNotConnected = errors.New("client is not connected")

	// ErrChannelSubscription means the channel failed before its first
	// successful subscription, rejecting the in-flight join or reconnect.
	ErrChannelSubscription = errors.New("channel subscription failed")

	// ErrNoChannel means a send was attempted with no open room channel.
	ErrNoChannel = errors.New("no open room channel")
)

// HandlerPanicError reports a registered message handler that panicked
// during delivery.
type HandlerPanicError struct {
	Event string
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler for %q panicked: %v", e.Event, e.Value)
}
