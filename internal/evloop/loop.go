// Package evloop implements KIRO's cooperative event-loop harness: a single
// goroutine that serially dispatches connection-manager events, completion
// events, and an idle tick used to observe a shutdown signal. Every
// handler registered with a Loop runs on that one goroutine; none of them
// may block or re-enter the Loop.
package evloop

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source signals readiness of one event stream (a CM channel or a CQ
// channel) without revealing how it waits: the epoll-backed Source polls a
// real fd via golang.org/x/sys/unix; the loopback-backed Source used in
// tests relays an in-process channel. Either way, a value on Events merely
// means "call your handler, which itself dequeues the actual event" —
// exactly how epoll + rdma_get_cm_event / ibv_get_cq_event composes.
type Source interface {
	Events() <-chan struct{}
	Close() error
}

// Handler reacts to one readiness signal from a Source. It must not block
// or call back into the Loop that invoked it.
type Handler func(ctx context.Context)

// IdleHandler runs each time the Loop's idle ticker fires; it exists so
// callers can observe the close signal and other per-tick bookkeeping
// without a third fd.
type IdleHandler func()

// Loop is KIRO's single-threaded cooperative event loop. Suspension points
// are exactly the two Sources' Events channels and the idle-tick timer; no
// handler may introduce another one.
type Loop struct {
	cm       Source
	cq       Source
	onCM     Handler
	onCQ     Handler
	onIdle   IdleHandler
	idleTick time.Duration
	log      *zap.SugaredLogger

	closeSignal atomic.Bool
	done        chan struct{}
	started     atomic.Bool
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithIdleTick overrides the default 100ms idle tick used to observe the
// close signal when neither Source is ready.
func WithIdleTick(d time.Duration) Option {
	return func(l *Loop) { l.idleTick = d }
}

// WithLogger attaches a logger used for handler diagnostics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Loop) { l.log = log }
}

// New builds a Loop. onCM fires when cm signals readiness, onCQ when cq
// does, onIdle each time the idle ticker fires (every idleTick, whether or
// not either Source is busy).
func New(cm, cq Source, onCM, onCQ Handler, onIdle IdleHandler, opts ...Option) *Loop {
	l := &Loop{
		cm:       cm,
		cq:       cq,
		onCM:     onCM,
		onCQ:     onCQ,
		onIdle:   onIdle,
		idleTick: 100 * time.Millisecond,
		log:      zap.NewNop().Sugar(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop on a dedicated goroutine. A second call to Start
// on the same Loop does nothing.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.idleTick)
	defer ticker.Stop()

	for {
		if l.closeSignal.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.cm.Events():
			l.dispatch("cm", l.onCM, ctx)
		case <-l.cq.Events():
			l.dispatch("cq", l.onCQ, ctx)
		case <-ticker.C:
			if l.onIdle != nil {
				l.onIdle()
			}
		}
	}
}

func (l *Loop) dispatch(source string, h Handler, ctx context.Context) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("event handler panicked", "source", source, "panic", r)
		}
	}()
	h(ctx)
}

// Stop asserts the close signal and waits for the loop goroutine to exit,
// or for ctx to expire first. This replaces the busy-wait on loop liveness
// the reference implementation used with an explicit completion signal.
func (l *Loop) Stop(ctx context.Context) error {
	l.closeSignal.Store(true)
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the loop goroutine is still running.
func (l *Loop) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return l.started.Load()
	}
}
