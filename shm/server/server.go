// Package server implements the Shared-Memory Channel's publishing side: it
// owns a registered region, accepts independent client connections, and
// advertises the region (or a replacement, on Reallocate) to every client.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saisasidhar/kiro/internal/connctx"
	"github.com/saisasidhar/kiro/internal/ctlio"
	"github.com/saisasidhar/kiro/internal/evloop"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

// Server publishes one region of memory to any number of independent
// clients (Non-goal: those clients never see each other). Each client
// connection gets its own Event Harness instance watching that
// connection's completion queue; one additional harness instance watches
// the listener's connection-manager channel for new connects.
type Server struct {
	log      *zap.SugaredLogger
	provider rdmacore.Provider
	pd       *rdmacore.ProtectionDomain
	listener rdmacore.Listener

	mu     sync.RWMutex // guards region and the in-flight reallocation, per spec's sync_lock
	region *rdmacore.Region

	clientsMu sync.Mutex
	clients   map[uint64]*client
	nextID    uint64

	accLoop      *evloop.Loop
	disconnected chan uint64
	closeOnce    sync.Once
	stopped      atomic.Bool
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger attaches a logger used for connect/disconnect/error diagnostics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

// Start publishes memory (all len(memory) bytes, caller-owned) on addr:port and begins
// accepting client connections. The region is registered with remote-read
// access only, per spec: clients may only READ, never WRITE, the published
// region.
func Start(ctx context.Context, provider rdmacore.Provider, addr string, port int, memory []byte, opts ...Option) (*Server, error) {
	pd, err := provider.NewProtectionDomain()
	if err != nil {
		return nil, fmt.Errorf("allocate protection domain: %w", err)
	}

	region, err := provider.RegisterExisting(pd, memory, rdmacore.AccessRemoteRead)
	if err != nil {
		return nil, fmt.Errorf("register published region: %w", err)
	}

	listener, err := provider.Listen(pd, addr, port)
	if err != nil {
		region.Destroy()
		return nil, fmt.Errorf("listen on %s:%d: %w", addr, port, err)
	}

	s := &Server{
		log:          zap.NewNop().Sugar(),
		provider:     provider,
		pd:           pd,
		listener:     listener,
		region:       region,
		clients:      make(map[uint64]*client),
		disconnected: make(chan uint64, 64),
	}
	for _, opt := range opts {
		opt(s)
	}

	cmSource, err := evloop.ResolveCMSource(listener)
	if err != nil {
		region.Destroy()
		listener.Close()
		return nil, fmt.Errorf("resolve CM source: %w", err)
	}
	s.accLoop = evloop.New(cmSource, evloop.NeverSource(), s.onConnect, nil, nil)
	s.accLoop.Start(ctx)

	return s, nil
}

// client bundles an accepted connection with its Connection Context and
// its own Event Harness instance for completion events.
type client struct {
	id   uint64
	conn rdmacore.Connection
	ctx  *connctx.Context
	loop *evloop.Loop

	ackMu  sync.Mutex
	ackCh  chan struct{}
}

func (s *Server) onConnect(ctx context.Context) {
	conn, err := s.listener.Accept(ctx)
	if err != nil {
		s.log.Warnw("accept failed", "error", err)
		return
	}

	if _, err := conn.AttachQP(); err != nil {
		s.log.Errorw("attach qp failed", "error", err)
		conn.Disconnect()
		return
	}

	cctx, err := connctx.New(s.pd, s.provider)
	if err != nil {
		s.log.Errorw("connection context allocation failed", "error", err)
		conn.Disconnect()
		return
	}

	cqSource, err := evloop.ResolveCQSource(conn)
	if err != nil {
		s.log.Errorw("resolve CQ source failed", "error", err)
		cctx.Destroy()
		conn.Disconnect()
		return
	}

	s.clientsMu.Lock()
	s.nextID++
	id := s.nextID
	s.clientsMu.Unlock()

	c := &client{id: id, conn: conn, ctx: cctx}
	c.loop = evloop.New(evloop.NeverSource(), cqSource, nil, func(lctx context.Context) { s.onCompletion(lctx, c) }, nil)

	s.clientsMu.Lock()
	s.clients[id] = c
	s.clientsMu.Unlock()

	if err := ctlio.PostRecv(conn, cctx.RecvBuf); err != nil {
		s.log.Errorw("preemptive recv post failed", "error", err)
		s.removeClient(c)
		return
	}

	c.loop.Start(ctx)

	s.mu.RLock()
	region := s.region
	s.mu.RUnlock()
	addr, length, rkey := region.Descriptor()
	ack := wire.ControlMessage{MsgType: wire.AckRDMA, PeerMRI: wire.PeerMRI{Addr: addr, Length: length, RKey: rkey}}
	if err := ctlio.Send(conn, cctx.SendBuf, ack, 0); err != nil {
		s.log.Errorw("initial ACK_RDMA send failed", "error", err)
		s.removeClient(c)
		return
	}

	s.log.Infow("client connected", "client_id", id)
}

func (s *Server) onCompletion(ctx context.Context, c *client) {
	wc, err := c.conn.PollCompletion(ctx)
	if err != nil {
		s.log.Warnw("client disconnected", "client_id", c.id, "error", err)
		s.removeClient(c)
		return
	}
	if wc.Status != rdmacore.StatusSuccess {
		s.log.Warnw("client connection error", "client_id", c.id, "status", wc.Status)
		s.removeClient(c)
		return
	}
	if wc.Opcode != rdmacore.OpRecv {
		return // a send completion we don't otherwise need to react to
	}

	msg, err := ctlio.Decode(c.ctx.RecvBuf, wc.ByteLen)
	if err != nil {
		s.log.Errorw("decode control message failed", "client_id", c.id, "error", err)
		return
	}

	// Every posted receive consumes one completion; re-post exactly one.
	if err := ctlio.PostRecv(c.conn, c.ctx.RecvBuf); err != nil {
		s.log.Errorw("re-post recv failed", "client_id", c.id, "error", err)
		s.removeClient(c)
		return
	}

	switch msg.MsgType {
	case wire.PING:
		pong := wire.ControlMessage{MsgType: wire.PONG}
		if err := ctlio.Send(c.conn, c.ctx.SendBuf, pong, wc.ImmData); err != nil {
			s.log.Errorw("PONG send failed", "client_id", c.id, "error", err)
		}
	case wire.AckRDMA:
		c.ackMu.Lock()
		ch := c.ackCh
		c.ackMu.Unlock()
		if ch != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	default:
		s.log.Debugw("unexpected control message from client", "client_id", c.id, "msg_type", msg.MsgType)
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()

	select {
	case s.disconnected <- c.id:
	default:
	}

	c.ctx.Destroy()
	c.conn.Disconnect()
}

// Reallocate replaces the published region with a new one and broadcasts
// REALLOC to every connected client, holding the old region alive until
// every client has ACK'd (or disconnected) — the ACK-first resolution of
// spec.md's open question, chosen to avoid a window where a client reads a
// freed region.
func (s *Server) Reallocate(ctx context.Context, memory []byte) error {
	newRegion, err := s.provider.RegisterExisting(s.pd, memory, rdmacore.AccessRemoteRead)
	if err != nil {
		return fmt.Errorf("register replacement region: %w", err)
	}

	s.mu.Lock()
	oldRegion := s.region
	s.region = newRegion
	s.mu.Unlock()

	s.clientsMu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.Unlock()

	if len(targets) == 0 {
		return oldRegion.Destroy()
	}

	acked := make(chan struct{}, len(targets))
	for _, c := range targets {
		c.ackMu.Lock()
		c.ackCh = acked
		c.ackMu.Unlock()
	}

	addr, length, rkey := newRegion.Descriptor()
	realloc := wire.ControlMessage{MsgType: wire.Realloc, PeerMRI: wire.PeerMRI{Addr: addr, Length: length, RKey: rkey}}
	for _, c := range targets {
		if err := ctlio.Send(c.conn, c.ctx.SendBuf, realloc, 0); err != nil {
			s.log.Errorw("REALLOC send failed", "client_id", c.id, "error", err)
		}
	}

	remaining := len(targets)
	for remaining > 0 {
		select {
		case <-acked:
			remaining--
		case id := <-s.disconnected:
			for i, c := range targets {
				if c.id == id {
					targets = append(targets[:i], targets[i+1:]...)
					remaining--
					break
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("reallocate: %w (old region kept alive, not all clients acked)", ctx.Err())
		}
	}

	return oldRegion.Destroy()
}

// Stop stops every client's and the listener's event loop and releases
// server-owned resources. The currently published region is not freed —
// the caller owns that memory.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.closeOnce.Do(func() {
		stopErr = s.accLoop.Stop(ctx)

		s.clientsMu.Lock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clientsMu.Unlock()

		for _, c := range clients {
			c.loop.Stop(ctx)
			c.ctx.Destroy()
			c.conn.Disconnect()
		}

		s.listener.Close()
		s.stopped.Store(true)
	})
	return stopErr
}

// IsRunning reports whether the server is still accepting clients and
// serving syncs. It goes false once Stop has torn down the client loops and
// closed the listener.
func (s *Server) IsRunning() bool {
	return !s.stopped.Load()
}
