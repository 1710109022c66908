// Package relay defines the contract the protocol client expects from a
// real-time broadcast relay: per-room channels with broadcast delivery and a
// presence registry. Implementations live in subpackages (memory, ws,
// redisrelay); hosted third-party relays satisfy the same surface.
package relay

import (
	"context"
	"encoding/json"

	"github.com/tavern-games/roomlink/model"
)

// Status of a channel subscription, delivered asynchronously after
// Subscribe.
type Status int

const (
	StatusSubscribed Status = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "SUBSCRIBED"
	case StatusChannelError:
		return "CHANNEL_ERROR"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// PresenceKind distinguishes the three presence notifications.
type PresenceKind int

const (
	PresenceSync PresenceKind = iota
	PresenceJoin
	PresenceLeave
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceSync:
		return "sync"
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	}
	return "unknown"
}

// PresenceEvent carries a join/leave notification. Key identifies the relay
// connection the records belong to; sync events carry no records, the
// receiver re-reads the full table instead.
type PresenceEvent struct {
	Kind    PresenceKind
	Key     string
	Records []model.PresenceRecord
}

// Options for opening a channel.
type Options struct {
	// EchoSelfBroadcasts makes the relay deliver this client's own
	// broadcasts back to it.
	EchoSelfBroadcasts bool
}

// Channel is one named pub/sub channel with presence. Callbacks are invoked
// sequentially: no two callbacks of the same channel run concurrently.
// After Teardown no callback is invoked again.
type Channel interface {
	// OnBroadcast registers a callback for broadcasts sent under the given
	// event name. Must be called before Subscribe.
	OnBroadcast(event string, fn func(payload json.RawMessage))

	// OnPresence registers a callback for one presence notification kind.
	// Must be called before Subscribe.
	OnPresence(kind PresenceKind, fn func(ev PresenceEvent))

	// Subscribe starts the subscription. The callback fires with
	// StatusSubscribed once the channel is live, and again on later state
	// changes (error, timeout, remote close).
	Subscribe(fn func(status Status, err error))

	// PublishPresence registers this client's presence record on the
	// channel.
	PublishPresence(ctx context.Context, rec model.PresenceRecord) error

	// WithdrawPresence removes this client's presence record.
	WithdrawPresence(ctx context.Context) error

	// Send publishes a broadcast under the given event name.
	Send(ctx context.Context, event string, payload any) error

	// PresenceTable returns the relay's current presence registry for this
	// channel, keyed by connection.
	PresenceTable() map[string][]model.PresenceRecord

	// Teardown releases the channel. Idempotent.
	Teardown()
}

// Opener creates channels. One Opener may back any number of channels.
type Opener interface {
	OpenChannel(name string, opts Options) Channel
}
