// Package memory implements the relay contract in-process: named channels
// with broadcast fan-out and a presence registry. It backs the dev relay
// daemon and the protocol tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

// Hub owns every open channel. All callbacks across all channels of one hub
// are dispatched by a single goroutine, so no two callbacks run concurrently
// and ordering is the enqueue order.
type Hub struct {
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[*Channel]struct{}
	seq   int

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []func()
	closed bool
}

func NewHub(logger *zerolog.Logger) *Hub {
	h := &Hub{
		logger: logger.With().Str("component", "memory-relay").Logger(),
		rooms:  make(map[string]map[*Channel]struct{}),
	}
	h.qcond = sync.NewCond(&h.qmu)
	go h.dispatchLoop()
	return h
}

// OpenChannel returns a new handle on the named channel. The handle is inert
// until Subscribe.
func (h *Hub) OpenChannel(name string, opts relay.Options) relay.Channel {
	return h.open(name, opts)
}

// Open is OpenChannel returning the concrete type, for bridges that need the
// wildcard broadcast hook.
func (h *Hub) Open(name string, opts relay.Options) *Channel {
	return h.open(name, opts)
}

func (h *Hub) open(name string, opts relay.Options) *Channel {
	h.mu.Lock()
	h.seq++
	ch := &Channel{
		hub:          h,
		name:         name,
		key:          fmt.Sprintf("conn-%d", h.seq),
		opts:         opts,
		broadcastFns: make(map[string][]func(json.RawMessage)),
		presenceFns:  make(map[relay.PresenceKind][]func(relay.PresenceEvent)),
	}
	h.mu.Unlock()
	return ch
}

// Drain blocks until the dispatch queue is empty, including callbacks
// enqueued by callbacks. No-op on a closed hub.
func (h *Hub) Drain() {
	for {
		h.qmu.Lock()
		if h.closed {
			h.qmu.Unlock()
			return
		}
		h.qmu.Unlock()

		done := make(chan struct{})
		h.enqueue(func() { close(done) })
		<-done

		h.qmu.Lock()
		empty := len(h.queue) == 0
		h.qmu.Unlock()
		if empty {
			return
		}
	}
}

// Close stops callback dispatch. Pending callbacks are dropped.
func (h *Hub) Close() {
	h.qmu.Lock()
	h.closed = true
	h.qcond.Signal()
	h.qmu.Unlock()
}

func (h *Hub) enqueue(fn func()) {
	h.qmu.Lock()
	if !h.closed {
		h.queue = append(h.queue, fn)
		h.qcond.Signal()
	}
	h.qmu.Unlock()
}

func (h *Hub) dispatchLoop() {
	for {
		h.qmu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.qcond.Wait()
		}
		if h.closed {
			h.qmu.Unlock()
			return
		}
		fn := h.queue[0]
		h.queue = h.queue[1:]
		h.qmu.Unlock()
		fn()
	}
}

// members returns the subscribed channels of a room.
func (h *Hub) members(name string) []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := make([]*Channel, 0, len(h.rooms[name]))
	for ch := range h.rooms[name] {
		chans = append(chans, ch)
	}
	return chans
}

func (h *Hub) register(ch *Channel) {
	h.mu.Lock()
	room, ok := h.rooms[ch.name]
	if !ok {
		room = make(map[*Channel]struct{})
		h.rooms[ch.name] = room
	}
	room[ch] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(ch *Channel) {
	h.mu.Lock()
	if room, ok := h.rooms[ch.name]; ok {
		delete(room, ch)
		if len(room) == 0 {
			delete(h.rooms, ch.name)
		}
	}
	h.mu.Unlock()
}

// presenceTable builds the registry view for a room.
func (h *Hub) presenceTable(name string) map[string][]model.PresenceRecord {
	table := make(map[string][]model.PresenceRecord)
	for _, ch := range h.members(name) {
		ch.mu.Lock()
		if ch.presence != nil {
			table[ch.key] = []model.PresenceRecord{*ch.presence}
		}
		ch.mu.Unlock()
	}
	return table
}

// Channel is one handle on a hub channel.
type Channel struct {
	hub  *Hub
	name string
	key  string
	opts relay.Options

	mu           sync.Mutex
	broadcastFns map[string][]func(json.RawMessage)
	anyFns       []func(event string, payload json.RawMessage)
	presenceFns  map[relay.PresenceKind][]func(relay.PresenceEvent)
	statusFn     func(relay.Status, error)
	subscribed   bool
	tornDown     bool
	presence     *model.PresenceRecord
}

func (ch *Channel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	ch.mu.Lock()
	ch.broadcastFns[event] = append(ch.broadcastFns[event], fn)
	ch.mu.Unlock()
}

// OnAnyBroadcast registers a wildcard broadcast callback receiving the event
// name alongside the payload. Used by the websocket bridge, which forwards
// every event regardless of name.
func (ch *Channel) OnAnyBroadcast(fn func(event string, payload json.RawMessage)) {
	ch.mu.Lock()
	ch.anyFns = append(ch.anyFns, fn)
	ch.mu.Unlock()
}

func (ch *Channel) OnPresence(kind relay.PresenceKind, fn func(ev relay.PresenceEvent)) {
	ch.mu.Lock()
	ch.presenceFns[kind] = append(ch.presenceFns[kind], fn)
	ch.mu.Unlock()
}

func (ch *Channel) Subscribe(fn func(status relay.Status, err error)) {
	ch.mu.Lock()
	if ch.tornDown {
		ch.mu.Unlock()
		return
	}
	ch.statusFn = fn
	ch.subscribed = true
	ch.mu.Unlock()

	ch.hub.register(ch)
	ch.hub.enqueue(func() {
		ch.deliverStatus(relay.StatusSubscribed, nil)
	})
}

func (ch *Channel) PublishPresence(_ context.Context, rec model.PresenceRecord) error {
	ch.mu.Lock()
	if ch.tornDown || !ch.subscribed {
		ch.mu.Unlock()
		return ErrChannelGone
	}
	ch.presence = &rec
	ch.mu.Unlock()

	ch.hub.fanOutPresence(ch.name, relay.PresenceEvent{
		Kind:    relay.PresenceJoin,
		Key:     ch.key,
		Records: []model.PresenceRecord{rec},
	})
	return nil
}

func (ch *Channel) WithdrawPresence(_ context.Context) error {
	ch.mu.Lock()
	if ch.presence == nil {
		ch.mu.Unlock()
		return nil
	}
	rec := *ch.presence
	ch.presence = nil
	ch.mu.Unlock()

	ch.hub.fanOutPresence(ch.name, relay.PresenceEvent{
		Kind:    relay.PresenceLeave,
		Key:     ch.key,
		Records: []model.PresenceRecord{rec},
	})
	return nil
}

func (ch *Channel) Send(_ context.Context, event string, payload any) error {
	ch.mu.Lock()
	if ch.tornDown || !ch.subscribed {
		ch.mu.Unlock()
		return ErrChannelGone
	}
	ch.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for _, target := range ch.hub.members(ch.name) {
		if target == ch && !ch.opts.EchoSelfBroadcasts {
			continue
		}
		t := target
		ch.hub.enqueue(func() {
			t.deliverBroadcast(event, raw)
		})
	}
	return nil
}

func (ch *Channel) PresenceTable() map[string][]model.PresenceRecord {
	return ch.hub.presenceTable(ch.name)
}

func (ch *Channel) Teardown() {
	ch.mu.Lock()
	if ch.tornDown {
		ch.mu.Unlock()
		return
	}
	ch.tornDown = true
	ch.subscribed = false
	rec := ch.presence
	ch.presence = nil
	ch.mu.Unlock()

	ch.hub.unregister(ch)
	if rec != nil {
		ch.hub.fanOutPresence(ch.name, relay.PresenceEvent{
			Kind:    relay.PresenceLeave,
			Key:     ch.key,
			Records: []model.PresenceRecord{*rec},
		})
	}
}

// fanOutPresence delivers a join/leave event followed by a sync event to
// every subscribed channel of the room, matching hosted-relay behavior where
// each diff is followed by a full-state sync.
func (h *Hub) fanOutPresence(name string, ev relay.PresenceEvent) {
	targets := h.members(name)
	for _, target := range targets {
		t := target
		h.enqueue(func() {
			t.deliverPresence(ev)
		})
	}
	for _, target := range targets {
		t := target
		h.enqueue(func() {
			t.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceSync})
		})
	}
}

func (ch *Channel) deliverStatus(st relay.Status, err error) {
	ch.mu.Lock()
	fn := ch.statusFn
	dead := ch.tornDown
	ch.mu.Unlock()
	if dead || fn == nil {
		return
	}
	fn(st, err)
}

func (ch *Channel) deliverBroadcast(event string, payload json.RawMessage) {
	ch.mu.Lock()
	dead := ch.tornDown || !ch.subscribed
	fns := ch.broadcastFns[event]
	anyFns := ch.anyFns
	ch.mu.Unlock()
	if dead {
		return
	}
	for _, fn := range fns {
		fn(payload)
	}
	for _, fn := range anyFns {
		fn(event, payload)
	}
}

func (ch *Channel) deliverPresence(ev relay.PresenceEvent) {
	ch.mu.Lock()
	dead := ch.tornDown || !ch.subscribed
	fns := ch.presenceFns[ev.Kind]
	ch.mu.Unlock()
	if dead {
		return
	}
	for _, fn := range fns {
		fn(ev)
	}
}
