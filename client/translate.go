package client

import (
	"encoding/json"

	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

// handleBroadcast normalizes an inbound broadcast before it reaches the
// application: self-echoes of actions and chat are dropped, targeted
// messages are filtered by recipient, game actions become state updates and
// reconnect requests run the handshake.
func (c *Client) handleBroadcast(ch relay.Channel, payload json.RawMessage) {
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed broadcast")
		return
	}

	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	selfID := c.self.ParticipantID
	c.mu.Unlock()

	if model.IsTargeted(env.Type) && env.Target() != selfID {
		return
	}

	switch env.Type {
	case model.TypeGameAction:
		if env.SenderID == selfID {
			return // already applied optimistically at send time
		}
		c.translateGameAction(env)

	case model.TypeChatMessage:
		if env.SenderID == selfID {
			return // already shown locally at send time
		}
		c.translateChat(env)

	case model.TypeReconnectRequest:
		if env.SenderID == selfID {
			return
		}
		c.handleReconnectRequest(ch, env)

	case model.TypePlayerReconnected:
		c.handlePlayerReconnected(env)

	default:
		c.events.emitMessage(env)
	}
}

func (c *Client) translateGameAction(env model.Envelope) {
	var action model.GameAction
	if err := json.Unmarshal(env.Data, &action); err != nil {
		c.logger.Warn().Err(err).Str("senderID", env.SenderID).Msg("dropping malformed game action")
		return
	}
	c.emitLocal(model.TypeGameStateUpdate, env.SenderID, env.Timestamp, model.GameStateUpdate{
		LastAction: model.LastAction{
			ActionType:    action.ActionType,
			ParticipantID: env.SenderID,
			Payload:       action.Payload,
		},
	})
}

func (c *Client) translateChat(env model.Envelope) {
	var chat model.ChatMessage
	if err := json.Unmarshal(env.Data, &chat); err != nil {
		c.logger.Warn().Err(err).Str("senderID", env.SenderID).Msg("dropping malformed chat message")
		return
	}

	c.mu.Lock()
	rec, ok := c.members.Find(env.SenderID)
	c.mu.Unlock()

	nickname := rec.Nickname
	if !ok || nickname == "" {
		// Sender is not (yet) in the membership view; fall back to an id
		// prefix so the line is still attributable.
		nickname = shortID(env.SenderID)
	}

	c.emitLocal(model.TypeChatBroadcast, env.SenderID, env.Timestamp, model.ChatBroadcast{
		ParticipantID: env.SenderID,
		Nickname:      nickname,
		Message:       chat.Message,
		IsPublic:      chat.IsPublic,
	})
}

// handleReconnectRequest runs the acting-host side of the handshake. Every
// present client receives the request; only the one that is acting host
// excluding the requester proceeds. The exclusion matters because the
// requester has already republished presence with its original early
// JoinedAt and would otherwise be its own host.
func (c *Client) handleReconnectRequest(ch relay.Channel, env model.Envelope) {
	var req model.ReconnectRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed reconnect request")
		return
	}

	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	selfID := c.self.ParticipantID
	members := model.BuildMembership(ch.PresenceTable())
	host, ok := model.ActingHost(members, req.ParticipantID)
	if !ok || host.ParticipantID != selfID {
		c.mu.Unlock()
		return
	}

	dp, present := c.dropped[req.ParticipantID]
	if !present {
		c.mu.Unlock()
		c.logger.Info().
			Str("participantID", req.ParticipantID).
			Msg("reconnect request from player not in disconnected table, rejecting")
		_ = c.Send(model.TypeReconnectRejected, model.ReconnectRejected{
			TargetParticipantID: req.ParticipantID,
			ReasonCode:          model.ReasonNotInRoom,
		})
		return
	}

	dp.timer.Stop()
	delete(c.dropped, req.ParticipantID)
	c.members = members
	c.mu.Unlock()

	c.logger.Info().Str("participantID", req.ParticipantID).Msg("accepting reconnect request")
	_ = c.Send(model.TypeReconnectAccepted, model.ReconnectAccepted{
		TargetParticipantID: req.ParticipantID,
	})
	_ = c.Send(model.TypePlayerReconnected, model.PlayerReconnected{
		ParticipantID: req.ParticipantID,
		Nickname:      req.Nickname,
		Members:       members,
	})

	// Local event so the application layer produces a state snapshot for
	// the requester. Fires only on the acting host.
	c.emitLocal(model.TypeReconnectRequest, env.SenderID, env.Timestamp, req)
}

// handlePlayerReconnected clears any local grace entry for the returning
// player (the acting host already cleared its own during accept) and
// refreshes the membership view before delivery.
func (c *Client) handlePlayerReconnected(env model.Envelope) {
	var pr model.PlayerReconnected
	if err := json.Unmarshal(env.Data, &pr); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed player-reconnected message")
		return
	}

	c.mu.Lock()
	if dp, ok := c.dropped[pr.ParticipantID]; ok {
		dp.timer.Stop()
		delete(c.dropped, pr.ParticipantID)
	}
	if len(pr.Members) > 0 {
		c.members = pr.Members
	}
	c.mu.Unlock()

	c.events.emitMessage(env)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
