// Package client implements the room coordination protocol for serverless
// multiplayer rooms: browser clients agree on an acting host, tolerate
// transient disconnects during an active game, and resynchronize a rejoining
// player — all over a plain broadcast relay with presence, with no
// authoritative server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/auth"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

const (
	// DefaultGracePeriod is how long a disconnected player may take to
	// reconnect during an active game before being declared gone.
	DefaultGracePeriod = 60 * time.Second

	// DefaultReconnectRetryDelay is the suggested pause between reconnect
	// attempts when no accept/reject reply arrives.
	DefaultReconnectRetryDelay = 3 * time.Second

	defaultSendTimeout = 5 * time.Second

	channelPrefix  = "room:"
	broadcastEvent = "message"

	// Close codes reported on the disconnected stream.
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

type Config struct {
	Identity auth.Provider
	Opener   relay.Opener
	Logger   *zerolog.Logger

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration

	// SendTimeout bounds relay publish calls.
	SendTimeout time.Duration
}

// droppedPlayer is a participant that vanished from presence during an
// active game and may still reconnect. The timer belongs to the entry:
// removing the entry stops the timer, and an expired timer that finds its
// entry gone does nothing.
type droppedPlayer struct {
	id       string
	nickname string
	timer    *time.Timer
}

// Client is one local participant's protocol instance. All mutable protocol
// state lives here; multiple clients can run in one process.
type Client struct {
	logger   zerolog.Logger
	opener   relay.Opener
	identity auth.Provider
	events   *observers

	gracePeriod time.Duration
	sendTimeout time.Duration

	mu             sync.Mutex
	connected      bool
	self           auth.Identity
	channel        relay.Channel
	roomID         string
	nickname       string
	gameType       string
	joinedAt       int64
	gameActive     bool
	originalHostID string
	members        model.Membership
	dropped        map[string]*droppedPlayer
}

func New(cfg Config) *Client {
	logger := cfg.Logger.With().Str("component", "room-client").Logger()

	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	return &Client{
		logger:      logger,
		opener:      cfg.Opener,
		identity:    cfg.Identity,
		events:      newObservers(logger),
		gracePeriod: grace,
		sendTimeout: sendTimeout,
		dropped:     make(map[string]*droppedPlayer),
	}
}

// Connect resolves the local identity. Idempotent: a second call while
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	id, err := c.identity.Resolve(ctx)
	if err != nil {
		return errors.Join(ErrNotAuthenticated, err)
	}

	c.mu.Lock()
	c.self = id
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug().Str("participantID", id.ParticipantID).Msg("connected")
	c.events.emitConnected()
	return nil
}

// IsConnected reports whether an identity is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetGameActive is called by the application when a match starts or ends.
// It gates how presence changes are interpreted.
func (c *Client) SetGameActive(active bool) {
	c.mu.Lock()
	c.gameActive = active
	c.mu.Unlock()
}

// JoinRoom opens the channel for roomID and publishes this client's
// presence. A channel already open is fully torn down first. Blocks until
// the subscription is confirmed or fails.
func (c *Client) JoinRoom(ctx context.Context, roomID, nickname, gameType string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	self := c.self
	c.mu.Unlock()

	c.LeaveRoom()

	now := time.Now().UnixMilli()
	rec := model.PresenceRecord{
		ParticipantID: self.ParticipantID,
		Nickname:      nickname,
		GameType:      gameType,
		JoinedAt:      now,
	}

	c.mu.Lock()
	c.nickname = nickname
	c.gameType = gameType
	c.joinedAt = now
	c.mu.Unlock()

	if err := c.openRoomChannel(ctx, roomID, rec); err != nil {
		return err
	}
	c.logger.Info().Str("roomID", roomID).Str("gameType", gameType).Msg("joined room")
	return nil
}

// LeaveRoom cancels pending grace timers, clears the disconnected-player
// table, resets the game-active flag, withdraws presence and releases the
// channel. Safe to call repeatedly or with no channel open.
func (c *Client) LeaveRoom() {
	c.mu.Lock()
	for id, dp := range c.dropped {
		dp.timer.Stop()
		delete(c.dropped, id)
	}
	c.gameActive = false
	ch := c.channel
	c.channel = nil
	roomID := c.roomID
	c.roomID = ""
	c.members = nil
	c.joinedAt = 0
	c.mu.Unlock()

	if ch == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := ch.WithdrawPresence(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("presence withdraw failed")
	}
	ch.Teardown()
	c.logger.Info().Str("roomID", roomID).Msg("left room")
}

// Disconnect leaves the room, forgets the original host and marks the
// session not connected.
func (c *Client) Disconnect() {
	c.LeaveRoom()

	c.mu.Lock()
	c.originalHostID = ""
	was := c.connected
	c.connected = false
	c.mu.Unlock()

	if was {
		c.events.emitDisconnected(CloseNormal, "client disconnected")
	}
}

// RequestReconnect re-subscribes to the room channel after a lost
// connection, republishes the original presence record (JoinedAt preserved)
// and broadcasts a reconnect request. The accept/reject outcome and the
// subsequent snapshot arrive on the message stream.
func (c *Client) RequestReconnect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	self := c.self
	nickname := c.nickname
	if nickname == "" {
		nickname = self.Nickname
	}
	gameType := c.gameType
	joinedAt := c.joinedAt
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	if ch != nil {
		ch.Teardown()
	}
	if joinedAt == 0 {
		joinedAt = time.Now().UnixMilli()
	}

	rec := model.PresenceRecord{
		ParticipantID: self.ParticipantID,
		Nickname:      nickname,
		GameType:      gameType,
		JoinedAt:      joinedAt,
	}

	c.mu.Lock()
	c.nickname = nickname
	c.joinedAt = joinedAt
	c.mu.Unlock()

	if err := c.openRoomChannel(ctx, roomID, rec); err != nil {
		return err
	}

	c.logger.Info().Str("roomID", roomID).Msg("requesting reconnect")
	return c.Send(model.TypeReconnectRequest, model.ReconnectRequest{
		ParticipantID: self.ParticipantID,
		Nickname:      nickname,
	})
}

// ReturnToRoom resets the session to lobby state on the current channel:
// grace timers are cancelled, the game-active flag cleared and a fresh
// membership snapshot is emitted. Used after a rejected reconnect or a
// finished game.
func (c *Client) ReturnToRoom() {
	c.mu.Lock()
	for id, dp := range c.dropped {
		dp.timer.Stop()
		delete(c.dropped, id)
	}
	c.gameActive = false
	ch := c.channel
	self := c.self
	nickname := c.nickname
	c.mu.Unlock()

	if ch == nil {
		return
	}

	members := model.BuildMembership(ch.PresenceTable())
	c.mu.Lock()
	if c.channel == ch {
		c.members = members
	}
	c.mu.Unlock()

	c.emitLocal(model.TypePlayerJoined, self.ParticipantID, time.Now().UnixMilli(), model.PlayerJoined{
		ParticipantID: self.ParticipantID,
		Nickname:      nickname,
		Members:       members,
	})
}

// Send publishes a message envelope on the room channel. With no open
// channel it emits a local error event and performs no I/O.
func (c *Client) Send(msgType string, data any) error {
	c.mu.Lock()
	ch := c.channel
	senderID := c.self.ParticipantID
	c.mu.Unlock()

	if ch == nil {
		err := fmt.Errorf("%w: %s", ErrNoChannel, msgType)
		c.events.emitError(err)
		return err
	}

	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}

	env := model.Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  senderID,
		Data:      raw,
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := ch.Send(ctx, broadcastEvent, env); err != nil {
		c.events.emitError(err)
		return err
	}
	return nil
}

// SendGameAction broadcasts a game action. The local engine is expected to
// have applied it optimistically; the relay's echo of it is dropped.
func (c *Client) SendGameAction(actionType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	return c.Send(model.TypeGameAction, model.GameAction{ActionType: actionType, Payload: raw})
}

// SendChat broadcasts a chat line. The local copy is shown at send time; the
// echo is dropped.
func (c *Client) SendChat(message string, isPublic bool) error {
	return c.Send(model.TypeChatMessage, model.ChatMessage{Message: message, IsPublic: isPublic})
}

// OnMessage registers a handler for one translated message type and returns
// its unsubscribe function.
func (c *Client) OnMessage(msgType string, fn func(model.Envelope)) func() {
	return c.events.onMessage(msgType, fn)
}

// OnAnyMessage registers a handler receiving every translated message.
func (c *Client) OnAnyMessage(fn func(model.Envelope)) func() {
	return c.events.onAnyMessage(fn)
}

func (c *Client) OnConnected(fn func()) func() {
	return c.events.onConnected(fn)
}

func (c *Client) OnDisconnected(fn func(code int, reason string)) func() {
	return c.events.onDisconnected(fn)
}

func (c *Client) OnError(fn func(error)) func() {
	return c.events.onError(fn)
}

// Members returns the current room membership view.
func (c *Client) Members() model.Membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := make(model.Membership, len(c.members))
	copy(members, c.members)
	return members
}

// openRoomChannel opens and subscribes a fresh channel for the room,
// publishing rec once the subscription is confirmed. Any status callback
// arriving on a channel instance that has since been replaced is discarded.
func (c *Client) openRoomChannel(ctx context.Context, roomID string, rec model.PresenceRecord) error {
	ch := c.opener.OpenChannel(channelPrefix+roomID, relay.Options{EchoSelfBroadcasts: true})

	c.mu.Lock()
	c.channel = ch
	c.roomID = roomID
	c.mu.Unlock()

	ch.OnBroadcast(broadcastEvent, func(payload json.RawMessage) {
		c.handleBroadcast(ch, payload)
	})
	ch.OnPresence(relay.PresenceSync, func(ev relay.PresenceEvent) {
		c.handlePresenceSync(ch, ev)
	})
	ch.OnPresence(relay.PresenceJoin, func(ev relay.PresenceEvent) {
		c.handlePresenceJoin(ch, ev)
	})
	ch.OnPresence(relay.PresenceLeave, func(ev relay.PresenceEvent) {
		c.handlePresenceLeave(ch, ev)
	})

	subscribed := make(chan error, 1)
	var confirmed bool

	ch.Subscribe(func(st relay.Status, err error) {
		c.mu.Lock()
		if c.channel != ch {
			c.mu.Unlock()
			c.logger.Debug().Stringer("status", st).Msg("discarding status from superseded channel")
			return
		}
		wasConfirmed := confirmed
		if st == relay.StatusSubscribed {
			confirmed = true
		}
		c.mu.Unlock()

		switch st {
		case relay.StatusSubscribed:
			pctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
			perr := ch.PublishPresence(pctx, rec)
			cancel()
			select {
			case subscribed <- perr:
			default:
			}

		case relay.StatusChannelError, relay.StatusTimedOut, relay.StatusClosed:
			if !wasConfirmed {
				if err == nil {
					err = fmt.Errorf("channel status %s", st)
				}
				select {
				case subscribed <- err:
				default:
				}
				return
			}
			c.channelLost(ch, st, err)
		}
	})

	select {
	case err := <-subscribed:
		if err != nil {
			c.dropChannel(ch)
			return errors.Join(ErrChannelSubscription, err)
		}
		return nil
	case <-ctx.Done():
		c.dropChannel(ch)
		return ctx.Err()
	}
}

// channelLost handles a failure after a successful subscription: the channel
// is released but room state is kept so the application can run its
// reconnection policy. Reported on the disconnected stream, never thrown.
func (c *Client) channelLost(ch relay.Channel, st relay.Status, err error) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.mu.Unlock()

	ch.Teardown()
	c.logger.Warn().Stringer("status", st).Err(err).Msg("room channel lost")
	c.events.emitDisconnected(CloseAbnormal, st.String())
}

// dropChannel releases a channel whose join attempt failed or was canceled.
func (c *Client) dropChannel(ch relay.Channel) {
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
		c.roomID = ""
	}
	c.mu.Unlock()
	ch.Teardown()
}

// emitLocal synthesizes a translated envelope for local handlers.
func (c *Client) emitLocal(msgType, senderID string, ts int64, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal local event")
		return
	}
	c.events.emitMessage(model.Envelope{
		Type:      msgType,
		Timestamp: ts,
		SenderID:  senderID,
		Data:      raw,
	})
}
