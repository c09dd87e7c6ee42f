// Package client implements the Shared-Memory Channel's mirroring side: it
// connects to a server, mirrors the server's published region locally via
// one-sided RDMA READs, and tracks reallocation/round-trip timing.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	kiro "github.com/saisasidhar/kiro"
	"github.com/saisasidhar/kiro/internal/connctx"
	"github.com/saisasidhar/kiro/internal/ctlio"
	"github.com/saisasidhar/kiro/internal/evloop"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

// State is the Shared-Memory Client's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Provisioned
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Provisioned:
		return "PROVISIONED"
	case Syncing:
		return "SYNCING"
	default:
		return "UNKNOWN"
	}
}

// pingSlot is the per-client timing slot for Ping/Pong, guarded by its own
// mutex rather than the process-global lock the reference implementation
// used (spec.md §9's redesign note). Sentinel scheme: awaiting is false
// while idle; Ping sets awaiting and stamps sentAt; PONG arrival stamps
// recvAt and clears awaiting.
type pingSlot struct {
	mu       sync.Mutex
	awaiting bool
	sentAt   time.Time
	recvAt   time.Time
}

// Client mirrors a server's published region and tracks its state machine.
type Client struct {
	log      *zap.SugaredLogger
	provider rdmacore.Provider
	pd       *rdmacore.ProtectionDomain
	conn     rdmacore.Connection
	ctx      *connctx.Context

	syncMu sync.RWMutex // spec's sync_lock: excludes concurrent READs during reallocation
	mirror *rdmacore.Region
	peer   wire.PeerMRI

	state         atomic.Int32
	handshakeDone atomic.Bool
	ping          pingSlot

	loop       *evloop.Loop
	handshake  chan error
	reallocErr chan error
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger attaches a logger used for reallocation/disconnect diagnostics.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = log }
}

// Connect resolves addr:port, establishes the RDMA connection, and blocks
// until the first ACK_RDMA populates the peer descriptor and the local
// mirror is allocated to match. Address resolution retries transiently
// failed CM resolves with exponential backoff before surfacing
// AddressResolution.
func Connect(ctx context.Context, provider rdmacore.Provider, addr string, port int, opts ...Option) (*Client, error) {
	c := &Client{
		log:        zap.NewNop().Sugar(),
		provider:   provider,
		handshake:  make(chan error, 1),
		reallocErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(Connecting))

	pd, err := provider.NewProtectionDomain()
	if err != nil {
		return nil, kiro.Wrap(kiro.EndpointCreation, "allocate protection domain", err)
	}
	c.pd = pd

	conn, err := dialWithRetry(ctx, provider, pd, addr, port)
	if err != nil {
		return nil, kiro.Wrap(kiro.AddressResolution, fmt.Sprintf("resolve/connect %s:%d", addr, port), err)
	}
	c.conn = conn

	if _, err := conn.AttachQP(); err != nil {
		conn.Disconnect()
		return nil, kiro.Wrap(kiro.EndpointCreation, "attach queue pair", err)
	}

	cctx, err := connctx.New(pd, provider)
	if err != nil {
		conn.Disconnect()
		return nil, kiro.Wrap(kiro.OutOfMemory, "allocate connection context", err)
	}
	c.ctx = cctx

	cqSource, err := evloop.ResolveCQSource(conn)
	if err != nil {
		cctx.Destroy()
		conn.Disconnect()
		return nil, kiro.Wrap(kiro.EndpointCreation, "resolve CQ source", err)
	}
	c.loop = evloop.New(evloop.NeverSource(), cqSource, nil, c.onCompletion, nil)

	if err := ctlio.PostRecv(conn, cctx.RecvBuf); err != nil {
		cctx.Destroy()
		conn.Disconnect()
		return nil, kiro.Wrap(kiro.HandshakeFailed, "post preemptive receive", err)
	}

	c.loop.Start(ctx)

	select {
	case err := <-c.handshake:
		if err != nil {
			c.teardown(ctx)
			return nil, err
		}
	case <-ctx.Done():
		c.teardown(ctx)
		return nil, kiro.Wrap(kiro.HandshakeFailed, "handshake canceled", ctx.Err())
	}

	c.state.Store(int32(Provisioned))
	return c, nil
}

// dialWithRetry retries a transient CM resolve failure with exponential
// backoff, up to maxDialAttempts, before giving up.
const maxDialAttempts = 5

func dialWithRetry(ctx context.Context, provider rdmacore.Provider, pd *rdmacore.ProtectionDomain, addr string, port int) (rdmacore.Connection, error) {
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
	})
	defer ticker.Stop()

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		conn, err := provider.Dial(ctx, pd, addr, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts: %w", maxDialAttempts, lastErr)
}

func (c *Client) onCompletion(ctx context.Context) {
	wc, err := c.conn.PollCompletion(ctx)
	if err != nil {
		c.log.Warnw("connection lost", "error", err)
		return
	}
	if wc.Status != rdmacore.StatusSuccess {
		c.log.Warnw("connection error", "status", wc.Status)
		return
	}

	switch wc.Opcode {
	case rdmacore.OpRecv:
		c.handleRecv(wc)
	case rdmacore.OpSend, rdmacore.OpRDMARead, rdmacore.OpRDMAWrite:
		// Sync* waits for its READ completion via its own PollCompletion
		// call under syncMu, and Ping waits on the ping slot that the PONG
		// handler stamps; no protocol action is taken here.
	}
}

func (c *Client) handleRecv(wc rdmacore.WorkCompletion) {
	msg, err := ctlio.Decode(c.ctx.RecvBuf, wc.ByteLen)
	if err != nil {
		c.log.Errorw("decode control message failed", "error", err)
		return
	}
	if err := ctlio.PostRecv(c.conn, c.ctx.RecvBuf); err != nil {
		c.log.Errorw("re-post recv failed", "error", err)
		return
	}

	switch msg.MsgType {
	case wire.AckRDMA:
		c.handleAckRDMA(msg)
	case wire.Realloc:
		c.handleRealloc(msg)
	case wire.PONG:
		c.ping.mu.Lock()
		if c.ping.awaiting {
			c.ping.recvAt = time.Now()
			c.ping.awaiting = false
		}
		c.ping.mu.Unlock()
	case wire.PING:
		pong := wire.ControlMessage{MsgType: wire.PONG}
		if err := ctlio.Send(c.conn, c.ctx.SendBuf, pong, wc.ImmData); err != nil {
			c.log.Errorw("PONG send failed", "error", err)
		}
	default:
		c.log.Debugw("unexpected control message", "msg_type", msg.MsgType)
	}
}

// handleAckRDMA is only meaningful as the very first message (the
// handshake); any subsequent ACK_RDMA (e.g. acknowledging the server's own
// bookkeeping) is a no-op per spec.md §4.3. The mirror is registered and
// c.peer/c.mirror assigned under syncMu *before* the handshake channel is
// signaled, so Connect never observes Provisioned state ahead of those
// fields being set, and a failed Register is reported as the handshake's
// outcome instead of being lost behind an already-sent success value.
func (c *Client) handleAckRDMA(msg wire.ControlMessage) {
	if !c.handshakeDone.CompareAndSwap(false, true) {
		return // already past the handshake; nothing further to do.
	}

	mirror, err := c.provider.Register(c.pd, msg.PeerMRI.Length, rdmacore.AccessLocalWrite)
	if err != nil {
		c.handshake <- kiro.Wrap(kiro.OutOfMemory, "allocate mirror region", err)
		return
	}

	c.syncMu.Lock()
	c.peer = msg.PeerMRI
	c.mirror = mirror
	c.syncMu.Unlock()

	c.handshake <- nil
}

// handleRealloc acquires the sync lock to exclude concurrent SyncPartial
// calls, swaps in a freshly sized mirror, and ACKs the server.
func (c *Client) handleRealloc(msg wire.ControlMessage) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	old := c.mirror
	mirror, err := c.provider.Register(c.pd, msg.PeerMRI.Length, rdmacore.AccessLocalWrite)
	if err != nil {
		c.log.Errorw("reallocation failed, tearing down connection", "error", err)
		c.conn.Disconnect()
		return
	}
	c.peer = msg.PeerMRI
	c.mirror = mirror
	if old != nil {
		old.Destroy()
	}

	ack := wire.ControlMessage{MsgType: wire.AckRDMA, PeerMRI: wire.PeerMRI{Handle: msg.PeerMRI.Handle}}
	if err := ctlio.Send(c.conn, c.ctx.SendBuf, ack, 0); err != nil {
		c.log.Errorw("REALLOC ack send failed", "error", err)
	}
}

// Sync mirrors the entire currently-advertised remote region.
func (c *Client) Sync(ctx context.Context) error {
	return c.SyncPartial(ctx, 0, 0, 0)
}

// SyncPartial issues one RDMA READ from peer.addr+remoteOffset of length
// size (0 meaning "to end of remote region") into mirror+localOffset,
// waiting synchronously for the completion.
func (c *Client) SyncPartial(ctx context.Context, remoteOffset, size, localOffset uint64) error {
	c.syncMu.RLock()
	defer c.syncMu.RUnlock()

	peer := c.peer
	mirror := c.mirror

	if remoteOffset > peer.Length {
		return kiro.Wrap(kiro.InvalidArgument, "remote_offset exceeds remote region length", nil)
	}
	effectiveSize := size
	if effectiveSize == 0 {
		effectiveSize = peer.Length - remoteOffset
	}
	if remoteOffset+effectiveSize > peer.Length {
		return kiro.Wrap(kiro.InvalidArgument, "remote_offset+size exceeds remote region length", nil)
	}
	if localOffset+effectiveSize > mirror.Length {
		return kiro.Wrap(kiro.InvalidArgument, "local_offset+size exceeds mirror length", nil)
	}

	if err := c.conn.PostRDMARead(mirror, localOffset, peer.Addr+remoteOffset, effectiveSize, peer.RKey); err != nil {
		return kiro.Wrap(kiro.TransferFailed, "post RDMA read", err)
	}

	wc, err := c.conn.PollCompletion(ctx)
	if err != nil {
		return kiro.Wrap(kiro.TransferFailed, "poll RDMA read completion", err)
	}

	switch wc.Status {
	case rdmacore.StatusSuccess:
		return nil
	case rdmacore.StatusRetryExceeded:
		c.conn.Disconnect()
		return kiro.Wrap(kiro.ServerUnresponsive, "RDMA read retries exceeded", nil)
	case rdmacore.StatusRemoteAccessError:
		c.conn.Disconnect()
		return kiro.Wrap(kiro.AccessRevoked, "remote access error on RDMA read", nil)
	default:
		return kiro.Wrap(kiro.TransferFailed, "RDMA read completed with error", nil)
	}
}

// Ping sends a PING and returns the round-trip time in microseconds, or -1
// if no PONG arrives within timeout. Exactly one ping may be outstanding at
// a time, enforced by the ping slot's mutex.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) (int64, error) {
	c.ping.mu.Lock()
	if c.ping.awaiting {
		c.ping.mu.Unlock()
		return -1, kiro.Wrap(kiro.InvalidArgument, "ping already outstanding", nil)
	}
	c.ping.awaiting = true
	c.ping.sentAt = time.Now()
	c.ping.recvAt = time.Time{}
	c.ping.mu.Unlock()

	ping := wire.ControlMessage{MsgType: wire.PING}
	if err := ctlio.Send(c.conn, c.ctx.SendBuf, ping, 0); err != nil {
		c.ping.mu.Lock()
		c.ping.awaiting = false
		c.ping.mu.Unlock()
		return -1, kiro.Wrap(kiro.TransferFailed, "send PING", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.ping.mu.Lock()
		awaiting := c.ping.awaiting
		sentAt, recvAt := c.ping.sentAt, c.ping.recvAt
		c.ping.mu.Unlock()

		if !awaiting {
			elapsed := recvAt.Sub(sentAt)
			return elapsed.Microseconds(), nil
		}
		select {
		case <-ctx.Done():
			return -1, kiro.Wrap(kiro.Timeout, "ping canceled", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}

	c.ping.mu.Lock()
	c.ping.awaiting = false
	c.ping.mu.Unlock()
	return -1, nil
}

// GetMemory returns the mirror's current contents. Since the returned slice
// aliases Client-owned memory that Disconnect frees, callers who need the
// data afterward must copy it first.
func (c *Client) GetMemory() []byte {
	c.syncMu.RLock()
	defer c.syncMu.RUnlock()
	return c.mirror.Mem
}

// GetMemorySize returns the mirror's current size, which always equals the
// most recently advertised remote region's length.
func (c *Client) GetMemorySize() uint64 {
	c.syncMu.RLock()
	defer c.syncMu.RUnlock()
	return c.mirror.Length
}

// State reports the client's current connection-lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) teardown(ctx context.Context) {
	if c.loop != nil {
		c.loop.Stop(ctx)
	}
	if c.ctx != nil {
		c.ctx.Destroy()
	}
	if c.conn != nil {
		c.conn.Disconnect()
	}
}

// Disconnect asserts the close signal, waits for the event loop to exit,
// and frees the mirror region.
func (c *Client) Disconnect(ctx context.Context) error {
	c.state.Store(int32(Disconnected))
	c.teardown(ctx)

	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.mirror != nil {
		c.log.Warnw("freeing mirror region on disconnect; copy GetMemory() first if still needed")
		err := c.mirror.Destroy()
		c.mirror = nil
		return err
	}
	return nil
}
