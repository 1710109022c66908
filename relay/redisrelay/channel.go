// Package redisrelay implements the relay channel contract on a Redis
// instance: broadcasts travel over PUB/SUB, presence lives in per-connection
// keys with a TTL refreshed by a heartbeat, so a crashed client's record
// disappears on its own.
//
// Leave detection for crashed clients relies on keyspace expiry events;
// the Redis server must run with `notify-keyspace-events Ex`. Graceful
// leaves are announced explicitly and need no server configuration.
package redisrelay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

const (
	topicPrefix    = "roomlink:room:"
	presencePrefix = "roomlink:presence:"

	expiredEventPattern = "__keyevent@*__:expired"

	presenceTTL       = 45 * time.Second
	heartbeatInterval = 15 * time.Second
	defaultOpTimeout  = 5 * time.Second
)

const (
	kindBroadcast     = "broadcast"
	kindPresenceJoin  = "presence_join"
	kindPresenceLeave = "presence_leave"
)

// message is the unit published on a room topic.
type message struct {
	Kind      string                 `json:"kind"`
	Event     string                 `json:"event,omitempty"`
	SenderKey string                 `json:"senderKey"`
	Records   []model.PresenceRecord `json:"records,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
}

type Config struct {
	Client *redis.Client
	Logger *zerolog.Logger
}

type Opener struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewOpener(cfg Config) *Opener {
	return &Opener{
		rdb:    cfg.Client,
		logger: cfg.Logger.With().Str("component", "redis-relay").Logger(),
	}
}

func (o *Opener) OpenChannel(name string, opts relay.Options) relay.Channel {
	return &Channel{
		rdb:    o.rdb,
		name:   name,
		key:    uuid.NewString(),
		opts:   opts,
		logger: o.logger.With().Str("channel", name).Logger(),

		broadcastFns: make(map[string][]func(json.RawMessage)),
		presenceFns:  make(map[relay.PresenceKind][]func(relay.PresenceEvent)),
		done:         make(chan struct{}),
	}
}

// Channel is one Redis-backed relay channel. Callbacks from the message and
// expiry subscriptions are serialized through dispatchMu.
type Channel struct {
	rdb    *redis.Client
	name   string
	key    string
	opts   relay.Options
	logger zerolog.Logger

	done chan struct{}

	dispatchMu sync.Mutex

	mu           sync.Mutex
	broadcastFns map[string][]func(json.RawMessage)
	presenceFns  map[relay.PresenceKind][]func(relay.PresenceEvent)
	statusFn     func(relay.Status, error)
	table        map[string][]model.PresenceRecord
	pubsub       *redis.PubSub
	expsub       *redis.PubSub
	presence     *model.PresenceRecord
	tornDown     bool
}

func (ch *Channel) topic() string {
	return topicPrefix + ch.name
}

func (ch *Channel) presenceKey(connKey string) string {
	return presencePrefix + ch.name + ":" + connKey
}

func (ch *Channel) OnBroadcast(event string, fn func(payload json.RawMessage)) {
	ch.mu.Lock()
	ch.broadcastFns[event] = append(ch.broadcastFns[event], fn)
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
	ch.mu.Unlock()

	go ch.run()
}

func (ch *Channel) run() {
	ctx := context.Background()

	pubsub := ch.rdb.Subscribe(ctx, ch.topic())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		ch.deliverStatus(relay.StatusChannelError, err)
		return
	}

	expsub := ch.rdb.PSubscribe(ctx, expiredEventPattern)

	ch.mu.Lock()
	if ch.tornDown {
		ch.mu.Unlock()
		_ = pubsub.Close()
		_ = expsub.Close()
		return
	}
	ch.pubsub = pubsub
	ch.expsub = expsub
	ch.mu.Unlock()

	ch.refreshTable(ctx)
	ch.deliverStatus(relay.StatusSubscribed, nil)

	go ch.heartbeat()
	go ch.expiryLoop(expsub)

	for msg := range pubsub.Channel() {
		ch.handleMessage(ctx, msg)
	}

	ch.mu.Lock()
	dead := ch.tornDown
	ch.mu.Unlock()
	if !dead {
		ch.deliverStatus(relay.StatusClosed, nil)
	}
}

func (ch *Channel) handleMessage(ctx context.Context, msg *redis.Message) {
	var m message
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		ch.logger.Warn().Err(err).Msg("dropping malformed relay message")
		return
	}

	switch m.Kind {
	case kindBroadcast:
		if m.SenderKey == ch.key && !ch.opts.EchoSelfBroadcasts {
			return
		}
		ch.mu.Lock()
		dead := ch.tornDown
		fns := ch.broadcastFns[m.Event]
		ch.mu.Unlock()
		if dead {
			return
		}
		ch.dispatchMu.Lock()
		for _, fn := range fns {
			fn(m.Payload)
		}
		ch.dispatchMu.Unlock()

	case kindPresenceJoin:
		ch.refreshTable(ctx)
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceJoin, Key: m.SenderKey, Records: m.Records})
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceSync})

	case kindPresenceLeave:
		ch.refreshTable(ctx)
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceLeave, Key: m.SenderKey, Records: m.Records})
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceSync})
	}
}

// expiryLoop turns presence-key expirations into leave events for clients
// that vanished without announcing.
func (ch *Channel) expiryLoop(expsub *redis.PubSub) {
	prefix := presencePrefix + ch.name + ":"
	for msg := range expsub.Channel() {
		if !strings.HasPrefix(msg.Payload, prefix) {
			continue
		}
		connKey := strings.TrimPrefix(msg.Payload, prefix)

		ch.mu.Lock()
		records := ch.table[connKey]
		ch.mu.Unlock()

		ch.refreshTable(context.Background())
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceLeave, Key: connKey, Records: records})
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceSync})
	}
}

// heartbeat keeps this connection's presence key alive.
func (ch *Channel) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.mu.Lock()
			alive := ch.presence != nil && !ch.tornDown
			ch.mu.Unlock()
			if !alive {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
			if err := ch.rdb.Expire(ctx, ch.presenceKey(ch.key), presenceTTL).Err(); err != nil {
				ch.logger.Warn().Err(err).Msg("presence heartbeat failed")
			}
			cancel()
		}
	}
}

// refreshTable rebuilds the presence cache by scanning the room's presence
// keys.
func (ch *Channel) refreshTable(ctx context.Context) {
	pattern := presencePrefix + ch.name + ":*"
	prefix := presencePrefix + ch.name + ":"
	table := make(map[string][]model.PresenceRecord)

	iter := ch.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := ch.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		} else if err != nil {
			ch.logger.Warn().Err(err).Str("key", key).Msg("presence read failed")
			continue
		}
		var rec model.PresenceRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		table[strings.TrimPrefix(key, prefix)] = []model.PresenceRecord{rec}
	}
	if err := iter.Err(); err != nil {
		ch.logger.Warn().Err(err).Msg("presence scan failed")
		return
	}

	ch.mu.Lock()
	ch.table = table
	ch.mu.Unlock()
}

func (ch *Channel) PublishPresence(ctx context.Context, rec model.PresenceRecord) error {
	raw, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := ch.rdb.Set(ctx, ch.presenceKey(ch.key), raw, presenceTTL).Err(); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.presence = &rec
	ch.mu.Unlock()

	return ch.publish(ctx, message{
		Kind:      kindPresenceJoin,
		SenderKey: ch.key,
		Records:   []model.PresenceRecord{rec},
	})
}

func (ch *Channel) WithdrawPresence(ctx context.Context) error {
	ch.mu.Lock()
	rec := ch.presence
	ch.presence = nil
	ch.mu.Unlock()
	if rec == nil {
		return nil
	}

	if err := ch.rdb.Del(ctx, ch.presenceKey(ch.key)).Err(); err != nil {
		return err
	}
	return ch.publish(ctx, message{
		Kind:      kindPresenceLeave,
		SenderKey: ch.key,
		Records:   []model.PresenceRecord{*rec},
	})
}

func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.publish(ctx, message{
		Kind:      kindBroadcast,
		Event:     event,
		SenderKey: ch.key,
		Payload:   raw,
	})
}

func (ch *Channel) publish(ctx context.Context, m message) error {
	raw, err := json.Marshal(&m)
	if err != nil {
		return err
	}
	return ch.rdb.Publish(ctx, ch.topic(), string(raw)).Err()
}

func (ch *Channel) PresenceTable() map[string][]model.PresenceRecord {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	table := make(map[string][]model.PresenceRecord, len(ch.table))
	for k, v := range ch.table {
		table[k] = append([]model.PresenceRecord(nil), v...)
	}
	return table
}

func (ch *Channel) Teardown() {
	ch.mu.Lock()
	if ch.tornDown {
		ch.mu.Unlock()
		return
	}
	ch.tornDown = true
	pubsub := ch.pubsub
	expsub := ch.expsub
	rec := ch.presence
	ch.presence = nil
	ch.mu.Unlock()

	close(ch.done)

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()
	if rec != nil {
		_ = ch.rdb.Del(ctx, ch.presenceKey(ch.key)).Err()
		_ = ch.publish(ctx, message{
			Kind:      kindPresenceLeave,
			SenderKey: ch.key,
			Records:   []model.PresenceRecord{*rec},
		})
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if expsub != nil {
		_ = expsub.Close()
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
	ch.dispatchMu.Lock()
	fn(st, err)
	ch.dispatchMu.Unlock()
}

func (ch *Channel) deliverPresence(ev relay.PresenceEvent) {
	ch.mu.Lock()
	dead := ch.tornDown
	fns := ch.presenceFns[ev.Kind]
	ch.mu.Unlock()
	if dead {
		return
	}
	ch.dispatchMu.Lock()
	for _, fn := range fns {
		fn(ev)
	}
	ch.dispatchMu.Unlock()
}
