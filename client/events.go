package client

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tavern-games/roomlink/model"
)

// observers is the client's subscription registry. Handlers are invoked
// sequentially; a panicking handler is reported and does not block delivery
// to the remaining handlers.
type observers struct {
	logger zerolog.Logger

	mu           sync.Mutex
	seq          int
	msg          map[string]map[int]func(model.Envelope)
	anyMsg       map[int]func(model.Envelope)
	connected    map[int]func()
	disconnected map[int]func(code int, reason string)
	errs         map[int]func(error)
}

func newObservers(logger zerolog.Logger) *observers {
	return &observers{
		logger:       logger,
		msg:          make(map[string]map[int]func(model.Envelope)),
		anyMsg:       make(map[int]func(model.Envelope)),
		connected:    make(map[int]func()),
		disconnected: make(map[int]func(code int, reason string)),
		errs:         make(map[int]func(error)),
	}
}

func (o *observers) onMessage(msgType string, fn func(model.Envelope)) func() {
	o.mu.Lock()
	o.seq++
	id := o.seq
	handlers, ok := o.msg[msgType]
	if !ok {
		handlers = make(map[int]func(model.Envelope))
		o.msg[msgType] = handlers
	}
	handlers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.msg[msgType], id)
		o.mu.Unlock()
	}
}

func (o *observers) onAnyMessage(fn func(model.Envelope)) func() {
	o.mu.Lock()
	o.seq++
	id := o.seq
	o.anyMsg[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.anyMsg, id)
		o.mu.Unlock()
	}
}

func (o *observers) onConnected(fn func()) func() {
	o.mu.Lock()
	o.seq++
	id := o.seq
	o.connected[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.connected, id)
		o.mu.Unlock()
	}
}

func (o *observers) onDisconnected(fn func(code int, reason string)) func() {
	o.mu.Lock()
	o.seq++
	id := o.seq
	o.disconnected[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.disconnected, id)
		o.mu.Unlock()
	}
}

func (o *observers) onError(fn func(error)) func() {
	o.mu.Lock()
	o.seq++
	id := o.seq
	o.errs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.errs, id)
		o.mu.Unlock()
	}
}

func (o *observers) emitMessage(env model.Envelope) {
	o.mu.Lock()
	handlers := make([]func(model.Envelope), 0, len(o.msg[env.Type])+len(o.anyMsg))
	for _, fn := range o.anyMsg {
		handlers = append(handlers, fn)
	}
	for _, fn := range o.msg[env.Type] {
		handlers = append(handlers, fn)
	}
	o.mu.Unlock()

	for _, fn := range handlers {
		o.call(env.Type, true, func() { fn(env) })
	}
}

func (o *observers) emitConnected() {
	o.mu.Lock()
	handlers := make([]func(), 0, len(o.connected))
	for _, fn := range o.connected {
		handlers = append(handlers, fn)
	}
	o.mu.Unlock()

	for _, fn := range handlers {
		o.call("connected", false, fn)
	}
}

func (o *observers) emitDisconnected(code int, reason string) {
	o.mu.Lock()
	handlers := make([]func(code int, reason string), 0, len(o.disconnected))
	for _, fn := range o.disconnected {
		handlers = append(handlers, fn)
	}
	o.mu.Unlock()

	for _, fn := range handlers {
		o.call("disconnected", false, func() { fn(code, reason) })
	}
}

func (o *observers) emitError(err error) {
	o.mu.Lock()
	handlers := make([]func(error), 0, len(o.errs))
	for _, fn := range o.errs {
		handlers = append(handlers, fn)
	}
	o.mu.Unlock()

	for _, fn := range handlers {
		o.call("error", false, func() { fn(err) })
	}
}

// call runs one handler, recovering and reporting a panic so the remaining
// handlers still fire. Panics in message handlers are also surfaced on the
// error stream; panics in status handlers are only logged to avoid
// re-entering the error stream.
func (o *observers) call(what string, surface bool, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("event", what).
				Any("panic", r).
				Msg("event handler panicked")
			if surface {
				o.emitError(&HandlerPanicError{Event: what, Value: r})
			}
		}
	}()
	fn()
}
