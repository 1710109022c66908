package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/model"
	"github.com/tavern-games/roomlink/relay"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultMaxMessageSize     = 65536

	// defaultPongWait - defaultPingInterval == is how long we give the
	// relay to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	txQueueSize = 64
)

type Config struct {
	// URL is the relay daemon base, e.g. ws://127.0.0.1:8888.
	URL    string
	Logger *zerolog.Logger
}

// Opener dials one relay daemon; each opened channel gets its own
// connection.
type Opener struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

func NewOpener(cfg Config) *Opener {
	return &Opener{
		baseURL: cfg.URL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger: cfg.Logger.With().Str("component", "ws-relay").Logger(),
	}
}

func (o *Opener) OpenChannel(name string, opts relay.Options) relay.Channel {
	return &Channel{
		opener: o,
		name:   name,
		opts:   opts,
		logger: o.logger.With().Str("channel", name).Logger(),

		broadcastFns: make(map[string][]func(json.RawMessage)),
		presenceFns:  make(map[relay.PresenceKind][]func(relay.PresenceEvent)),
		tx:           make(chan Frame, txQueueSize),
		done:         make(chan struct{}),
	}
}

// Channel is one websocket-backed relay channel. Inbound callbacks are all
// invoked from the single reader goroutine, so they never run concurrently.
type Channel struct {
	opener *Opener
	name   string
	opts   relay.Options
	logger zerolog.Logger

	tx   chan Frame
	done chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	broadcastFns map[string][]func(json.RawMessage)
	presenceFns  map[relay.PresenceKind][]func(relay.PresenceEvent)
	statusFn     func(relay.Status, error)
	table        map[string][]model.PresenceRecord
	tornDown     bool
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

	go ch.dialAndRun()
}

func (ch *Channel) dialAndRun() {
	target := fmt.Sprintf("%s/ws/%s", ch.opener.baseURL, url.PathEscape(ch.name))

	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	conn, _, err := ch.opener.dialer.DialContext(ctx, target, nil)
	cancel()
	if err != nil {
		ch.deliverStatus(relay.StatusChannelError, err)
		return
	}

	ch.mu.Lock()
	if ch.tornDown {
		ch.mu.Unlock()
		_ = conn.Close()
		return
	}
	ch.conn = conn
	ch.mu.Unlock()

	go ch.writer(conn)
	ch.enqueue(Frame{Op: OpSubscribe, Echo: ch.opts.EchoSelfBroadcasts})
	ch.reader(conn)
}

func (ch *Channel) enqueue(f Frame) {
	select {
	case ch.tx <- f:
	case <-ch.done:
	}
}

func (ch *Channel) writer(conn *websocket.Conn) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ch.done:
			break SendLoop
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				ch.logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
		case f := <-ch.tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				break SendLoop
			}
			if err := conn.WriteJSON(&f); err != nil {
				ch.logger.Error().Err(err).Msg("failed to write frame")
				break SendLoop
			}
		}
	}
}

func (ch *Channel) reader(conn *websocket.Conn) {
	conn.SetReadLimit(defaultMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		ch.deliverStatus(relay.StatusChannelError, err)
		return
	}

RecvLoop:
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.deliverStatus(relay.StatusClosed, err)
			} else {
				ch.deliverStatus(relay.StatusChannelError, err)
			}
			break RecvLoop
		}
		ch.handleFrame(f)
	}
}

func (ch *Channel) handleFrame(f Frame) {
	switch f.Op {
	case OpStatus:
		st, ok := ParseStatus(f.Status)
		if !ok {
			ch.logger.Warn().Str("status", f.Status).Msg("unknown status frame")
			return
		}
		var err error
		if f.Error != "" {
			err = fmt.Errorf("relay: %s", f.Error)
		}
		ch.deliverStatus(st, err)

	case OpPresenceSync:
		ch.setTable(f.Table)
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceSync, Key: f.Key})

	case OpPresenceJoin:
		ch.setTable(f.Table)
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceJoin, Key: f.Key, Records: f.Records})

	case OpPresenceLeave:
		ch.setTable(f.Table)
		ch.deliverPresence(relay.PresenceEvent{Kind: relay.PresenceLeave, Key: f.Key, Records: f.Records})

	case OpBroadcast:
		ch.mu.Lock()
		dead := ch.tornDown
		fns := ch.broadcastFns[f.Event]
		ch.mu.Unlock()
		if dead {
			return
		}
		for _, fn := range fns {
			fn(f.Payload)
		}

	default:
		ch.logger.Warn().Str("op", f.Op).Msg("unknown frame op")
	}
}

func (ch *Channel) setTable(table map[string][]model.PresenceRecord) {
	if table == nil {
		return
	}
	ch.mu.Lock()
	ch.table = table
	ch.mu.Unlock()
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

func (ch *Channel) deliverPresence(ev relay.PresenceEvent) {
	ch.mu.Lock()
	dead := ch.tornDown
	fns := ch.presenceFns[ev.Kind]
	ch.mu.Unlock()
	if dead {
		return
	}
	for _, fn := range fns {
		fn(ev)
	}
}

func (ch *Channel) PublishPresence(ctx context.Context, rec model.PresenceRecord) error {
	select {
	case ch.tx <- Frame{Op: OpPresence, Record: &rec}:
		return nil
	case <-ch.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) WithdrawPresence(ctx context.Context) error {
	select {
	case ch.tx <- Frame{Op: OpWithdraw}:
		return nil
	case <-ch.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case ch.tx <- Frame{Op: OpBroadcast, Event: event, Payload: raw}:
		return nil
	case <-ch.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
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
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	close(ch.done)
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}
