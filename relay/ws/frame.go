// Package ws implements the relay channel contract over a websocket
// connection to the relay daemon.
package ws

import (
	"encoding/json"

	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

// Frame ops, client -> server.
const (
	OpSubscribe = "subscribe"
	OpBroadcast = "broadcast"
	OpPresence  = "presence"
	OpWithdraw  = "withdraw"
)

// Frame ops, server -> client.
const (
	OpStatus        = "status"
	OpPresenceSync  = "presence_sync"
	OpPresenceJoin  = "presence_join"
	OpPresenceLeave = "presence_leave"
)

// Frame is one unit on the relay websocket. Fields are populated per op.
type Frame struct {
	Op      string                            `json:"op"`
	Event   string                            `json:"event,omitempty"`
	Key     string                            `json:"key,omitempty"`
	Echo    bool                              `json:"echo,omitempty"`
	Status  string                            `json:"status,omitempty"`
	Error   string                            `json:"error,omitempty"`
	Record  *model.PresenceRecord             `json:"record,omitempty"`
	Records []model.PresenceRecord            `json:"records,omitempty"`
	Table   map[string][]model.PresenceRecord `json:"table,omitempty"`
	Payload json.RawMessage                   `json:"payload,omitempty"`
}

// ParseStatus maps a wire status string onto the relay status enum.
func ParseStatus(s string) (relay.Status, bool) {
	switch s {
	case relay.StatusSubscribed.String():
		return relay.StatusSubscribed, true
	case relay.StatusChannelError.String():
		return relay.StatusChannelError, true
	case relay.StatusTimedOut.String():
		return relay.StatusTimedOut, true
	case relay.StatusClosed.String():
		return relay.StatusClosed, true
	}
	return relay.StatusChannelError, false
}
