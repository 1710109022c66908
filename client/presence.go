package client

import (
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

// handlePresenceSync rebuilds the membership view from the relay's current
// presence table. The first sync after joining pins the room's original
// host; it is never recomputed, even if that member later leaves.
func (c *Client) handlePresenceSync(ch relay.Channel, _ relay.PresenceEvent) {
	table := ch.PresenceTable()

	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.members = model.BuildMembership(table)
	if c.originalHostID == "" {
		if host, ok := c.members.Host(); ok {
			c.originalHostID = host.ParticipantID
			c.logger.Debug().Str("hostID", host.ParticipantID).Msg("original host pinned")
		}
	}
	c.mu.Unlock()

	if e := c.logger.Trace(); e.Enabled() {
		e.Str("table", spew.Sdump(table)).Msg("presence sync")
	}
}

// handlePresenceJoin translates a presence join. In the lobby it means a new
// player; mid-game it only signals that a disconnected participant's
// connection is back — membership changes wait for the explicit reconnect
// handshake, since reappearing in presence does not prove the returning
// client has consistent game state.
func (c *Client) handlePresenceJoin(ch relay.Channel, ev relay.PresenceEvent) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}

	if c.gameActive {
		// Reappearing in presence is not proof the returning client has
		// consistent game state: stop the clock but keep the entry until
		// the reconnect handshake settles it.
		for _, rec := range ev.Records {
			if dp, ok := c.dropped[rec.ParticipantID]; ok {
				dp.timer.Stop()
				c.logger.Debug().
					Str("participantID", rec.ParticipantID).
					Msg("disconnected player presence returned, awaiting handshake")
			}
		}
		c.mu.Unlock()
		return
	}

	members := model.BuildMembership(ch.PresenceTable())
	c.members = members
	records := ev.Records
	c.mu.Unlock()

	for _, rec := range records {
		c.emitLocal(model.TypePlayerJoined, rec.ParticipantID, time.Now().UnixMilli(), model.PlayerJoined{
			ParticipantID: rec.ParticipantID,
			Nickname:      rec.Nickname,
			Members:       members,
		})
	}
}

// handlePresenceLeave translates a presence leave for another participant.
// In the lobby the member is gone immediately, and the room ends if the
// leaver was its first member. Mid-game the leaver gets a grace entry and
// the verdict is deferred to the grace timer.
func (c *Client) handlePresenceLeave(ch relay.Channel, ev relay.PresenceEvent) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	selfID := c.self.ParticipantID

	if !c.gameActive {
		preLeave := c.members
		members := model.BuildMembership(ch.PresenceTable())
		c.members = members

		type leave struct {
			rec      model.PresenceRecord
			wasFirst bool
		}
		leaves := make([]leave, 0, len(ev.Records))
		for _, rec := range ev.Records {
			if rec.ParticipantID == selfID {
				continue
			}
			wasFirst := len(preLeave) > 0 && preLeave[0].ParticipantID == rec.ParticipantID
			leaves = append(leaves, leave{rec: rec, wasFirst: wasFirst})
		}
		c.mu.Unlock()

		for _, l := range leaves {
			c.emitLocal(model.TypePlayerLeft, l.rec.ParticipantID, time.Now().UnixMilli(), model.PlayerLeft{
				ParticipantID: l.rec.ParticipantID,
				Nickname:      l.rec.Nickname,
				Reason:        model.LeaveReasonDisconnected,
				Members:       members,
			})
			if l.wasFirst {
				c.emitLocal(model.TypeRoomDestroyed, l.rec.ParticipantID, time.Now().UnixMilli(), model.RoomDestroyed{
					Message: "the host left the room",
				})
			}
		}
		return
	}

	windowMs := c.gracePeriod.Milliseconds()
	disconnects := make([]model.PresenceRecord, 0, len(ev.Records))
	for _, rec := range ev.Records {
		if rec.ParticipantID == selfID {
			continue
		}
		if dp, ok := c.dropped[rec.ParticipantID]; ok {
			// Dropped again before completing the handshake: restart the
			// window.
			dp.timer.Reset(c.gracePeriod)
			continue
		}
		id := rec.ParticipantID
		dp := &droppedPlayer{id: id, nickname: rec.Nickname}
		dp.timer = time.AfterFunc(c.gracePeriod, func() { c.graceExpired(id) })
		c.dropped[id] = dp
		disconnects = append(disconnects, rec)
		c.logger.Info().
			Str("participantID", id).
			Dur("gracePeriod", c.gracePeriod).
			Msg("player disconnected mid-game, grace timer started")
	}
	c.mu.Unlock()

	for _, rec := range disconnects {
		c.emitLocal(model.TypePlayerDisconnected, rec.ParticipantID, time.Now().UnixMilli(), model.PlayerDisconnected{
			ParticipantID:     rec.ParticipantID,
			Nickname:          rec.Nickname,
			ReconnectWindowMs: windowMs,
		})
	}
}

// graceExpired fires when a disconnected player's window elapses without a
// successful reconnect. An entry already removed (reconnect, leave) means
// the timer lost the race and does nothing.
func (c *Client) graceExpired(participantID string) {
	c.mu.Lock()
	dp, ok := c.dropped[participantID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.dropped, participantID)

	if participantID == c.originalHostID {
		c.mu.Unlock()
		c.logger.Info().Str("participantID", participantID).Msg("original host did not reconnect, room destroyed")
		c.emitLocal(model.TypeRoomDestroyed, participantID, time.Now().UnixMilli(), model.RoomDestroyed{
			Message: "the host did not reconnect in time",
		})
		return
	}

	var members model.Membership
	if c.channel != nil {
		members = model.BuildMembership(c.channel.PresenceTable())
	} else {
		members = c.members.Without(participantID)
	}
	c.members = members
	c.mu.Unlock()

	c.logger.Info().Str("participantID", participantID).Msg("reconnect window expired, player left")
	c.emitLocal(model.TypePlayerLeft, participantID, time.Now().UnixMilli(), model.PlayerLeft{
		ParticipantID: participantID,
		Nickname:      dp.nickname,
		Reason:        model.LeaveReasonTimeout,
		Members:       members,
	})
}
