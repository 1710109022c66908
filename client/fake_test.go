package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

// fakeOpener hands out scripted channels and remembers every one it opened
// so tests can poke superseded instances.
type fakeOpener struct {
	mu     sync.Mutex
	opened []*fakeChannel
}

func (f *fakeOpener) OpenChannel(name string, _ relay.Options) relay.Channel {
	ch := &fakeChannel{name: name}
	f.mu.Lock()
	f.opened = append(f.opened, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeOpener) channels() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeChannel, len(f.opened))
	copy(out, f.opened)
	return out
}

type fakeChannel struct {
	name string

	mu       sync.Mutex
	statusFn func(relay.Status, error)
	self     []model.PresenceRecord
	tornDown bool
}

func (ch *fakeChannel) OnBroadcast(string, func(json.RawMessage)) {}

func (ch *fakeChannel) OnPresence(relay.PresenceKind, func(relay.PresenceEvent)) {}

func (ch *fakeChannel) Subscribe(fn func(relay.Status, error)) {
	ch.mu.Lock()
	ch.statusFn = fn
	ch.mu.Unlock()
	fn(relay.StatusSubscribed, nil)
}

func (ch *fakeChannel) PublishPresence(_ context.Context, rec model.PresenceRecord) error {
	ch.mu.Lock()
	ch.self = []model.PresenceRecord{rec}
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) WithdrawPresence(context.Context) error {
	ch.mu.Lock()
	ch.self = nil
	ch.mu.Unlock()
	return nil
}

func (ch *fakeChannel) Send(context.Context, string, any) error { return nil }

func (ch *fakeChannel) PresenceTable() map[string][]model.PresenceRecord {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.self == nil {
		return map[string][]model.PresenceRecord{}
	}
	return map[string][]model.PresenceRecord{"self": ch.self}
}

func (ch *fakeChannel) Teardown() {
	ch.mu.Lock()
	ch.tornDown = true
	ch.mu.Unlock()
}

// fireStatus invokes the status callback regardless of teardown, the way a
// late relay notification would arrive on an abandoned channel.
func (ch *fakeChannel) fireStatus(st relay.Status, err error) {
	ch.mu.Lock()
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(st, err)
	}
}
