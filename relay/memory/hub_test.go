package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := zerolog.Nop()
	h := NewHub(&logger)
	t.Cleanup(h.Close)
	return h
}

type recorder struct {
	mu        sync.Mutex
	payloads  []string
	presences []relay.PresenceEvent
	statuses  []relay.Status
}

func (r *recorder) broadcast(payload json.RawMessage) {
	r.mu.Lock()
	r.payloads = append(r.payloads, string(payload))
	r.mu.Unlock()
}

func (r *recorder) presence(ev relay.PresenceEvent) {
	r.mu.Lock()
	r.presences = append(r.presences, ev)
	r.mu.Unlock()
}

func (r *recorder) status(st relay.Status, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recorder) payloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func subscribe(t *testing.T, h *Hub, name string, echo bool) (*Channel, *recorder) {
	t.Helper()
	rec := &recorder{}
	ch := h.Open(name, relay.Options{EchoSelfBroadcasts: echo})
	ch.OnBroadcast("message", rec.broadcast)
	ch.OnPresence(relay.PresenceJoin, rec.presence)
	ch.OnPresence(relay.PresenceLeave, rec.presence)
	ch.OnPresence(relay.PresenceSync, rec.presence)
	ch.Subscribe(rec.status)
	h.Drain()
	require.Equal(t, []relay.Status{relay.StatusSubscribed}, rec.statuses)
	return ch, rec
}

func TestHub_Broadcast(t *testing.T) {
	tests := []struct {
		name     string
		echo     bool
		wantSelf int
	}{
		{name: "echo delivers to sender", echo: true, wantSelf: 1},
		{name: "no echo skips sender", echo: false, wantSelf: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHub(t)
			sender, senderRec := subscribe(t, h, "room:x", tt.echo)
			_, otherRec := subscribe(t, h, "room:x", true)
			_, strangerRec := subscribe(t, h, "room:y", true)

			require.NoError(t, sender.Send(context.Background(), "message", map[string]string{"v": "1"}))
			h.Drain()

			assert.Equal(t, tt.wantSelf, senderRec.payloadCount())
			assert.Equal(t, 1, otherRec.payloadCount())
			assert.Equal(t, 0, strangerRec.payloadCount(), "no cross-channel delivery")
		})
	}
}

func TestHub_PresenceLifecycle(t *testing.T) {
	h := newTestHub(t)
	a, aRec := subscribe(t, h, "room:x", true)
	b, bRec := subscribe(t, h, "room:x", true)

	require.NoError(t, a.PublishPresence(context.Background(), model.PresenceRecord{
		ParticipantID: "p-a", JoinedAt: 100,
	}))
	h.Drain()

	// Both handles see the join followed by a sync.
	for _, rec := range []*recorder{aRec, bRec} {
		rec.mu.Lock()
		require.Len(t, rec.presences, 2)
		assert.Equal(t, relay.PresenceJoin, rec.presences[0].Kind)
		require.Len(t, rec.presences[0].Records, 1)
		assert.Equal(t, "p-a", rec.presences[0].Records[0].ParticipantID)
		assert.Equal(t, relay.PresenceSync, rec.presences[1].Kind)
		rec.mu.Unlock()
	}

	table := b.PresenceTable()
	require.Len(t, table, 1)

	require.NoError(t, a.WithdrawPresence(context.Background()))
	h.Drain()

	bRec.mu.Lock()
	require.Len(t, bRec.presences, 4)
	assert.Equal(t, relay.PresenceLeave, bRec.presences[2].Kind)
	bRec.mu.Unlock()
	assert.Empty(t, b.PresenceTable())
}

func TestHub_TeardownEmitsLeave(t *testing.T) {
	h := newTestHub(t)
	a, _ := subscribe(t, h, "room:x", true)
	_, bRec := subscribe(t, h, "room:x", true)

	require.NoError(t, a.PublishPresence(context.Background(), model.PresenceRecord{
		ParticipantID: "p-a", JoinedAt: 100,
	}))
	h.Drain()

	a.Teardown()
	h.Drain()

	bRec.mu.Lock()
	last := bRec.presences[len(bRec.presences)-2]
	bRec.mu.Unlock()
	assert.Equal(t, relay.PresenceLeave, last.Kind)
}

func TestHub_NoCallbacksAfterTeardown(t *testing.T) {
	h := newTestHub(t)
	a, _ := subscribe(t, h, "room:x", true)
	torn, tornRec := subscribe(t, h, "room:x", true)

	torn.Teardown()
	require.NoError(t, a.Send(context.Background(), "message", "late"))
	h.Drain()

	assert.Zero(t, tornRec.payloadCount())

	// Operations on the dead handle fail cleanly.
	assert.ErrorIs(t, torn.Send(context.Background(), "message", "x"), ErrChannelGone)
	assert.ErrorIs(t, torn.PublishPresence(context.Background(), model.PresenceRecord{ParticipantID: "p"}), ErrChannelGone)
	torn.Teardown() // idempotent
}
