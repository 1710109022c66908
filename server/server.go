// Package server is the development relay daemon: it exposes the in-memory
// relay hub over websocket so clients get broadcast-plus-presence semantics
// without a hosted relay account.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/relay"
	"github.com/tavern-games/roomlink/relay/memory"
	"github.com/tavern-games/roomlink/relay/ws"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultReadBufferSize     = 10000
	defaultWriteBufferSize    = 10000
	defaultMaxMessageSize     = 65536
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultIdleReadDeadline   = 60 * time.Second

	txQueueSize = 64
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type Config struct {
	Logger     *zerolog.Logger
	Hub        *memory.Hub
	ListenAddr string
}

type Server struct {
	hub      *memory.Hub
	upgrader *websocket.Upgrader
	metrics  *metrics
	*http.Server

	logger zerolog.Logger
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "relay-server").Logger(),
		hub:    cfg.Hub,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		metrics: newMetrics(),
	}

	mux := httprouter.New()
	mux.GET("/ws/:channel", srv.serveChannel)
	mux.GET("/healthz", srv.serveHealth)
	mux.Handler(http.MethodGet, "/metrics", srv.metrics.handler())

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serveHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (srv *Server) serveChannel(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("channel")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().Str("channel", name).Logger()
	srv.metrics.connections.Inc()
	go func() {
		defer srv.metrics.connections.Dec()
		srv.bridge(conn, name, &logger)
	}()
}

// bridge couples one websocket connection to one hub channel: inbound frames
// become hub operations, hub callbacks become outbound frames.
func (srv *Server) bridge(conn *websocket.Conn, name string, logger *zerolog.Logger) {
	tx := make(chan ws.Frame, txQueueSize)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	var (
		mu      sync.Mutex
		channel *memory.Channel
	)

	send := func(f ws.Frame) {
		select {
		case tx <- f:
			srv.metrics.countFrame(f.Op, "out")
		case <-done:
		default:
			// Slow consumer; dropping is safe, the relay gives no delivery
			// guarantees.
			logger.Warn().Str("op", f.Op).Msg("outbound queue full, frame dropped")
		}
	}

	go srv.connWriter(conn, tx, done, logger)

	conn.SetReadLimit(defaultMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultIdleReadDeadline))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultIdleReadDeadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteDeadline))
	})

RecvLoop:
	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		_ = conn.SetReadDeadline(time.Now().Add(defaultIdleReadDeadline))
		srv.metrics.countFrame(f.Op, "in")

		switch f.Op {
		case ws.OpSubscribe:
			mu.Lock()
			if channel != nil {
				mu.Unlock()
				continue
			}
			ch := srv.hub.Open(name, relay.Options{EchoSelfBroadcasts: f.Echo})
			channel = ch
			mu.Unlock()
			srv.wireChannel(ch, send)

		case ws.OpBroadcast:
			mu.Lock()
			ch := channel
			mu.Unlock()
			if ch == nil {
				continue
			}
			if err := ch.Send(context.Background(), f.Event, f.Payload); err != nil {
				logger.Debug().Err(err).Msg("broadcast failed")
			}

		case ws.OpPresence:
			mu.Lock()
			ch := channel
			mu.Unlock()
			if ch == nil || f.Record == nil {
				continue
			}
			if err := ch.PublishPresence(context.Background(), *f.Record); err != nil {
				logger.Debug().Err(err).Msg("presence publish failed")
			}

		case ws.OpWithdraw:
			mu.Lock()
			ch := channel
			mu.Unlock()
			if ch == nil {
				continue
			}
			if err := ch.WithdrawPresence(context.Background()); err != nil {
				logger.Debug().Err(err).Msg("presence withdraw failed")
			}

		default:
			logger.Warn().Str("op", f.Op).Msg("unknown frame op")
		}
	}

	closeDone()
	mu.Lock()
	ch := channel
	channel = nil
	mu.Unlock()
	if ch != nil {
		ch.Teardown()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
}

// wireChannel forwards hub callbacks as frames. Presence frames carry the
// full table so clients keep their cache without extra round trips.
func (srv *Server) wireChannel(ch *memory.Channel, send func(ws.Frame)) {
	ch.OnAnyBroadcast(func(event string, payload json.RawMessage) {
		send(ws.Frame{Op: ws.OpBroadcast, Event: event, Payload: payload})
	})
	ch.OnPresence(relay.PresenceSync, func(ev relay.PresenceEvent) {
		send(ws.Frame{Op: ws.OpPresenceSync, Key: ev.Key, Table: ch.PresenceTable()})
	})
	ch.OnPresence(relay.PresenceJoin, func(ev relay.PresenceEvent) {
		send(ws.Frame{Op: ws.OpPresenceJoin, Key: ev.Key, Records: ev.Records, Table: ch.PresenceTable()})
	})
	ch.OnPresence(relay.PresenceLeave, func(ev relay.PresenceEvent) {
		send(ws.Frame{Op: ws.OpPresenceLeave, Key: ev.Key, Records: ev.Records, Table: ch.PresenceTable()})
	})
	ch.Subscribe(func(st relay.Status, err error) {
		f := ws.Frame{Op: ws.OpStatus, Status: st.String()}
		if err != nil {
			f.Error = err.Error()
		}
		send(f)
	})
}

func (srv *Server) connWriter(conn *websocket.Conn, tx <-chan ws.Frame, done <-chan struct{}, logger *zerolog.Logger) {
SendLoop:
	for {
		select {
		case <-done:
			break SendLoop
		case f := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				break SendLoop
			}
			if err := conn.WriteJSON(&f); err != nil {
				logger.Debug().Err(err).Msg("failed to write frame")
				break SendLoop
			}
		}
	}
}
