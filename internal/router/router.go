// Package router fans broadcast events out to registered per-kind
// handlers.
//
// The connection's read loop enqueues classified events; a single
// dispatch goroutine drains the queue in wire-arrival order and launches
// each handler on its own goroutine. Hand-off order is therefore
// preserved even though handler execution may overlap, and a slow
// handler can never stall subsequent frame reads.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/keyflow/keylink/internal/wire"
)

// Router dispatches broadcast events to per-kind handlers.
type Router struct {
	handlers Handlers
	logger   *slog.Logger

	queue *Queue[wire.Event]

	wg        sync.WaitGroup
	handlerWg sync.WaitGroup

	mu           sync.Mutex
	received     int64
	dispatched   int64
	decodeErrors int64
	unhandled    int64
}

// NewRouter creates a router with the given handler set. Handlers are
// fixed at construction; nil slots mean "not interested in that kind".
func NewRouter(handlers Handlers, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: handlers,
		logger:   logger,
		queue:    NewQueue[wire.Event](64),
	}
}

// Enqueue hands one classified event to the router. Called from the
// connection read loop; never blocks. Implements connection.EventSink.
func (r *Router) Enqueue(ev wire.Event) bool {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	return r.queue.Push(ev)
}

// Start begins the dispatch loop.
func (r *Router) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.dispatchLoop()

	r.logger.Debug("event router started")
	return nil
}

// Stop drains the queue and waits for in-flight handlers, bounded by
// ctx.
func (r *Router) Stop(ctx context.Context) error {
	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.handlerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debug("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouterStats{
		Received:     r.received,
		Dispatched:   r.dispatched,
		DecodeErrors: r.decodeErrors,
		Unhandled:    r.unhandled,
		Queue:        r.queue.Stats(),
	}
}

// dispatchLoop drains the queue in arrival order.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()

	for {
		ev, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.dispatch(ev)
	}
}

// dispatch decodes the payload for the event's kind and invokes the
// registered handler on its own goroutine.
func (r *Router) dispatch(ev wire.Event) {
	switch ev.Kind {
	case wire.KindLayerChange:
		decodeAndRun(r, ev, r.handlers.LayerChange)
	case wire.KindConfigFileReload:
		r.run(r.handlers.ConfigFileReload)
	case wire.KindMessagePush:
		decodeAndRun(r, ev, r.handlers.MessagePush)
	case wire.KindReady:
		r.run(r.handlers.Ready)
	case wire.KindConfigError:
		decodeAndRun(r, ev, r.handlers.ConfigError)
	case wire.KindKeyInput:
		decodeAndRun(r, ev, r.handlers.KeyInput)
	case wire.KindHoldActivated:
		decodeAndRun(r, ev, r.handlers.HoldActivated)
	case wire.KindTapActivated:
		decodeAndRun(r, ev, r.handlers.TapActivated)
	case wire.KindOneShotActivated:
		decodeAndRun(r, ev, r.handlers.OneShotActivated)
	case wire.KindChordResolved:
		decodeAndRun(r, ev, r.handlers.ChordResolved)
	case wire.KindTapDanceResolved:
		decodeAndRun(r, ev, r.handlers.TapDanceResolved)
	case wire.KindUnknown:
		handler := r.handlers.Unknown
		if handler == nil {
			r.noteUnhandled(ev)
			return
		}
		raw := ev.Raw
		r.launch(func() { handler(raw) })
	default:
		r.noteUnhandled(ev)
	}
}

// run invokes a payload-less handler.
func (r *Router) run(handler func()) {
	if handler == nil {
		r.mu.Lock()
		r.unhandled++
		r.mu.Unlock()
		return
	}
	r.launch(handler)
}

// decodeAndRun decodes the event payload into T and invokes the
// handler. A decode failure is counted and logged, never retried: it
// indicates a protocol mismatch, not a transient fault.
func decodeAndRun[T any](r *Router, ev wire.Event, handler func(T)) {
	if handler == nil {
		r.noteUnhandled(ev)
		return
	}

	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		r.logger.Warn("failed to decode broadcast payload",
			"kind", ev.Kind,
			"error", err,
		)
		r.mu.Lock()
		r.decodeErrors++
		r.mu.Unlock()
		return
	}

	r.launch(func() { handler(payload) })
}

// launch runs a handler on its own goroutine and counts the dispatch.
func (r *Router) launch(fn func()) {
	r.mu.Lock()
	r.dispatched++
	r.mu.Unlock()

	r.handlerWg.Add(1)
	go func() {
		defer r.handlerWg.Done()
		fn()
	}()
}

func (r *Router) noteUnhandled(ev wire.Event) {
	r.logger.Debug("no handler for broadcast", "kind", ev.Kind)
	r.mu.Lock()
	r.unhandled++
	r.mu.Unlock()
}
