package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tavern-games/roomlink/auth"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
	"github.com/tavern-games/roomlink/relay/memory"
)

func newTestHub(t *testing.T) *memory.Hub {
	t.Helper()
	logger := zerolog.Nop()
	h := memory.NewHub(&logger)
	t.Cleanup(h.Close)
	return h
}

func newTestClient(t *testing.T, opener relay.Opener, id string, grace time.Duration) *Client {
	t.Helper()
	logger := zerolog.Nop()
	c := New(Config{
		Identity:    auth.Static{ID: id, Nickname: "nick-" + id},
		Opener:      opener,
		Logger:      &logger,
		GracePeriod: grace,
	})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

// join sleeps briefly afterwards so consecutive joins get distinct
// millisecond join timestamps.
func join(t *testing.T, c *Client, roomID, nickname string) {
	t.Helper()
	require.NoError(t, c.JoinRoom(context.Background(), roomID, nickname, "hearts"))
	time.Sleep(3 * time.Millisecond)
}

// dropConnection simulates transport loss: the channel dies without a
// presence withdrawal or any local cleanup.
func dropConnection(c *Client) {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.Teardown()
	}
}

func (c *Client) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dropped)
}

type envCapture struct {
	mu   sync.Mutex
	envs []model.Envelope
}

func capture(c *Client) *envCapture {
	ec := &envCapture{}
	c.OnAnyMessage(func(env model.Envelope) {
		ec.mu.Lock()
		ec.envs = append(ec.envs, env)
		ec.mu.Unlock()
	})
	return ec
}

func (ec *envCapture) byType(msgType string) []model.Envelope {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	var out []model.Envelope
	for _, env := range ec.envs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (ec *envCapture) count(msgType string) int {
	return len(ec.byType(msgType))
}

func TestConnect_NoIdentity(t *testing.T) {
	logger := zerolog.Nop()
	c := New(Config{Identity: auth.Static{}, Opener: newTestHub(t), Logger: &logger})

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, c.IsConnected())
}

func TestConnect_Idempotent(t *testing.T) {
	logger := zerolog.Nop()
	c := New(Config{Identity: auth.Static{ID: "p1"}, Opener: newTestHub(t), Logger: &logger})

	var connects int
	c.OnConnected(func() { connects++ })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, connects)
	assert.True(t, c.IsConnected())
}

func TestJoinRoom_NotConnected(t *testing.T) {
	logger := zerolog.Nop()
	c := New(Config{Identity: auth.Static{ID: "p1"}, Opener: newTestHub(t), Logger: &logger})

	err := c.JoinRoom(context.Background(), "r1", "nick", "hearts")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLobbyMembershipEvents(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	capA := capture(a)

	join(t, b, "r1", "Bob")
	hub.Drain()

	joined := capA.byType(model.TypePlayerJoined)
	require.Len(t, joined, 1)
	var pj model.PlayerJoined
	require.NoError(t, json.Unmarshal(joined[0].Data, &pj))
	assert.Equal(t, "b", pj.ParticipantID)
	assert.Equal(t, "Bob", pj.Nickname)
	require.Len(t, pj.Members, 2)
	assert.Equal(t, "a", pj.Members[0].ParticipantID, "earliest joiner leads the view")

	b.LeaveRoom()
	hub.Drain()

	left := capA.byType(model.TypePlayerLeft)
	require.Len(t, left, 1)
	var pl model.PlayerLeft
	require.NoError(t, json.Unmarshal(left[0].Data, &pl))
	assert.Equal(t, "b", pl.ParticipantID)
	assert.Equal(t, model.LeaveReasonDisconnected, pl.Reason)
	assert.Len(t, pl.Members, 1)
	assert.Zero(t, capA.count(model.TypeRoomDestroyed), "a later joiner leaving does not end the room")
}

func TestHostLeavingLobbyDestroysRoom(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capB := capture(b)

	a.LeaveRoom()
	hub.Drain()

	assert.Equal(t, 1, capB.count(model.TypePlayerLeft))
	assert.Equal(t, 1, capB.count(model.TypeRoomDestroyed))
}

func TestGracePeriod(t *testing.T) {
	const grace = 150 * time.Millisecond

	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", grace)
	b := newTestClient(t, hub, "b", grace)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capA := capture(a)
	a.SetGameActive(true)
	b.SetGameActive(true)

	dropConnection(b)
	hub.Drain()

	disc := capA.byType(model.TypePlayerDisconnected)
	require.Len(t, disc, 1)
	var pd model.PlayerDisconnected
	require.NoError(t, json.Unmarshal(disc[0].Data, &pd))
	assert.Equal(t, "b", pd.ParticipantID)
	assert.Equal(t, grace.Milliseconds(), pd.ReconnectWindowMs)
	assert.Equal(t, 1, a.droppedCount())

	// Nothing final may fire before the window elapses.
	time.Sleep(grace / 2)
	assert.Zero(t, capA.count(model.TypePlayerLeft))
	assert.Zero(t, capA.count(model.TypeRoomDestroyed))

	require.Eventually(t, func() bool {
		return capA.count(model.TypePlayerLeft) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var pl model.PlayerLeft
	require.NoError(t, json.Unmarshal(capA.byType(model.TypePlayerLeft)[0].Data, &pl))
	assert.Equal(t, model.LeaveReasonTimeout, pl.Reason)
	assert.Zero(t, capA.count(model.TypeRoomDestroyed), "b was not the original host")
	assert.Zero(t, a.droppedCount())
}

func TestGraceExpiry_OriginalHost(t *testing.T) {
	const grace = 100 * time.Millisecond

	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", grace)
	b := newTestClient(t, hub, "b", grace)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capB := capture(b)
	a.SetGameActive(true)
	b.SetGameActive(true)

	dropConnection(a)
	hub.Drain()

	require.Eventually(t, func() bool {
		return capB.count(model.TypeRoomDestroyed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, capB.count(model.TypePlayerLeft), "original host expiry destroys the room instead")
}

func TestLeaveRoom_Idempotent(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", 50*time.Millisecond)
	b := newTestClient(t, hub, "b", 50*time.Millisecond)

	// No channel open at all.
	a.LeaveRoom()
	a.LeaveRoom()

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	a.SetGameActive(true)
	b.SetGameActive(true)
	dropConnection(b)
	hub.Drain()
	require.Equal(t, 1, a.droppedCount())

	capA := capture(a)
	a.LeaveRoom()
	a.LeaveRoom()

	assert.Zero(t, a.droppedCount(), "grace timers cancelled")
	assert.False(t, a.gameActiveNow())

	// A cancelled timer must never fire its verdict.
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, capA.count(model.TypePlayerLeft))
	assert.Zero(t, capA.count(model.TypeRoomDestroyed))
}

func (c *Client) gameActiveNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameActive
}

func TestSendWithoutChannel(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)

	var mu sync.Mutex
	var errs []error
	a.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	err := a.Send(model.TypeChatMessage, model.ChatMessage{Message: "hi"})
	require.ErrorIs(t, err, ErrNoChannel)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1, "error event emitted synchronously")
	assert.ErrorIs(t, errs[0], ErrNoChannel)
}

func TestTargetedFiltering(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capA := capture(a)

	// Addressed to someone else: must never reach a's handlers.
	require.NoError(t, b.Send(model.TypeReconnectAccepted, model.ReconnectAccepted{TargetParticipantID: "zz"}))
	require.NoError(t, b.Send(model.TypeReconnectRejected, model.ReconnectRejected{TargetParticipantID: "zz", ReasonCode: model.ReasonNotInRoom}))
	require.NoError(t, b.Send(model.TypeGameSnapshot, map[string]string{"targetParticipantId": "zz"}))
	hub.Drain()

	assert.Zero(t, capA.count(model.TypeReconnectAccepted))
	assert.Zero(t, capA.count(model.TypeReconnectRejected))
	assert.Zero(t, capA.count(model.TypeGameSnapshot))

	// Addressed to a: delivered.
	require.NoError(t, b.Send(model.TypeGameSnapshot, map[string]string{"targetParticipantId": "a", "state": "full"}))
	hub.Drain()
	assert.Equal(t, 1, capA.count(model.TypeGameSnapshot))
}

func TestGameActionTranslation(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capA := capture(a)
	capB := capture(b)

	require.NoError(t, a.SendGameAction("PLAY_CARD", map[string]string{"card": "QS"}))
	hub.Drain()

	assert.Zero(t, capA.count(model.TypeGameStateUpdate), "own action echo is dropped")
	assert.Zero(t, capA.count(model.TypeGameAction))

	updates := capB.byType(model.TypeGameStateUpdate)
	require.Len(t, updates, 1)
	var up model.GameStateUpdate
	require.NoError(t, json.Unmarshal(updates[0].Data, &up))
	assert.Equal(t, "PLAY_CARD", up.LastAction.ActionType)
	assert.Equal(t, "a", up.LastAction.ParticipantID)
}

func TestChatTranslation(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()
	capA := capture(a)
	capB := capture(b)

	require.NoError(t, a.SendChat("good luck", true))
	hub.Drain()

	assert.Zero(t, capA.count(model.TypeChatBroadcast), "own chat echo is dropped")

	lines := capB.byType(model.TypeChatBroadcast)
	require.Len(t, lines, 1)
	var cb model.ChatBroadcast
	require.NoError(t, json.Unmarshal(lines[0].Data, &cb))
	assert.Equal(t, "a", cb.ParticipantID)
	assert.Equal(t, "Alice", cb.Nickname, "nickname resolved from membership")
	assert.Equal(t, "good luck", cb.Message)
	assert.True(t, cb.IsPublic)
}

func TestReconnectHandshake(t *testing.T) {
	const grace = 400 * time.Millisecond

	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", grace)
	b := newTestClient(t, hub, "b", grace)
	c := newTestClient(t, hub, "c", grace)

	join(t, a, "t1", "Alice")
	join(t, b, "t1", "Bob")
	join(t, c, "t1", "Carol")
	hub.Drain()

	capA := capture(a)
	capB := capture(b)
	capC := capture(c)
	for _, cl := range []*Client{a, b, c} {
		cl.SetGameActive(true)
	}

	// Whoever gets the local reconnect-request event answers with a
	// snapshot, like the application layer would.
	for _, cl := range []*Client{b, c} {
		cl := cl
		cl.OnMessage(model.TypeReconnectRequest, func(env model.Envelope) {
			var req model.ReconnectRequest
			require.NoError(t, json.Unmarshal(env.Data, &req))
			_ = cl.Send(model.TypeGameSnapshot, map[string]string{
				"targetParticipantId": req.ParticipantID,
				"state":               "full",
			})
		})
	}

	dropConnection(a)
	hub.Drain()
	require.Equal(t, 1, b.droppedCount())
	require.Equal(t, 1, c.droppedCount())
	assert.Equal(t, 1, capB.count(model.TypePlayerDisconnected))
	assert.Equal(t, 1, capC.count(model.TypePlayerDisconnected))

	require.NoError(t, a.RequestReconnect(context.Background(), "t1"))
	hub.Drain()

	// Only b (acting host excluding a) answers; c stays silent.
	assert.Equal(t, 1, capA.count(model.TypeReconnectAccepted), "exactly one accept")
	assert.Zero(t, capA.count(model.TypeReconnectRejected))
	assert.Equal(t, 1, capB.count(model.TypeReconnectRequest), "snapshot hook fires on acting host")
	assert.Zero(t, capC.count(model.TypeReconnectRequest))

	assert.Equal(t, 1, capA.count(model.TypeGameSnapshot), "exactly one snapshot")

	for name, cap := range map[string]*envCapture{"a": capA, "b": capB, "c": capC} {
		assert.Equal(t, 1, cap.count(model.TypePlayerReconnected), "participant %s", name)
	}
	assert.Zero(t, b.droppedCount())
	assert.Zero(t, c.droppedCount())

	// The grace verdict must never arrive after a successful reconnect.
	time.Sleep(grace + 50*time.Millisecond)
	assert.Zero(t, capB.count(model.TypePlayerLeft))
	assert.Zero(t, capB.count(model.TypeRoomDestroyed))
}

func TestReconnectRejected_NotInRoom(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)
	d := newTestClient(t, hub, "d", DefaultGracePeriod)

	join(t, a, "t1", "Alice")
	join(t, b, "t1", "Bob")
	hub.Drain()
	capA := capture(a)
	capD := capture(d)
	a.SetGameActive(true)
	b.SetGameActive(true)

	// d was never recorded as disconnected.
	require.NoError(t, d.RequestReconnect(context.Background(), "t1"))
	hub.Drain()

	rejects := capD.byType(model.TypeReconnectRejected)
	require.Len(t, rejects, 1)
	var rj model.ReconnectRejected
	require.NoError(t, json.Unmarshal(rejects[0].Data, &rj))
	assert.Equal(t, model.ReasonNotInRoom, rj.ReasonCode)
	assert.Equal(t, "d", rj.TargetParticipantID)

	assert.Zero(t, capD.count(model.TypeReconnectAccepted))
	assert.Zero(t, capA.count(model.TypeReconnectRequest), "no local reconnect event on rejection")
}

func TestStaleChannelImmunity(t *testing.T) {
	opener := &fakeOpener{}
	a := newTestClient(t, opener, "a", DefaultGracePeriod)

	var mu sync.Mutex
	var disconnects []string
	a.OnDisconnected(func(_ int, reason string) {
		mu.Lock()
		disconnects = append(disconnects, reason)
		mu.Unlock()
	})

	require.NoError(t, a.JoinRoom(context.Background(), "r1", "Alice", "hearts"))
	require.NoError(t, a.JoinRoom(context.Background(), "r1", "Alice", "hearts"))
	require.Len(t, opener.channels(), 2)

	// A late failure notification from the superseded channel must change
	// nothing.
	opener.channels()[0].fireStatus(relay.StatusChannelError, errors.New("stale boom"))

	mu.Lock()
	assert.Empty(t, disconnects)
	mu.Unlock()
	assert.True(t, a.IsConnected())

	// The same failure on the live channel is a real loss.
	opener.channels()[1].fireStatus(relay.StatusChannelError, errors.New("boom"))
	mu.Lock()
	require.Len(t, disconnects, 1)
	assert.Equal(t, relay.StatusChannelError.String(), disconnects[0])
	mu.Unlock()
	assert.True(t, a.IsConnected(), "session identity survives channel loss")
}

func TestHandlerPanicDoesNotBlockDelivery(t *testing.T) {
	hub := newTestHub(t)
	a := newTestClient(t, hub, "a", DefaultGracePeriod)
	b := newTestClient(t, hub, "b", DefaultGracePeriod)

	join(t, a, "r1", "Alice")
	join(t, b, "r1", "Bob")
	hub.Drain()

	var mu sync.Mutex
	var delivered int
	var errs []error
	b.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	b.OnMessage(model.TypeChatBroadcast, func(model.Envelope) { panic("bad handler") })
	b.OnMessage(model.TypeChatBroadcast, func(model.Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, a.SendChat("hi", true))
	hub.Drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered, "second handler still runs")
	require.NotEmpty(t, errs, "panic is reported")
	var hpe *HandlerPanicError
	assert.ErrorAs(t, errs[0], &hpe)
}
