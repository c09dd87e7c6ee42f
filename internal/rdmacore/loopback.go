package rdmacore

import (
	"context"
	"fmt"
	"sync"
)

// NewLoopbackProvider returns a Provider that runs KIRO's protocol logic
// entirely in-process, standing in for a real RDMA fabric in tests. One-
// sided READ/WRITE are simulated by copying directly between the two
// Regions under a mutex (there is no remote CPU to bypass in-process, but
// the call shape and completion semantics match the cgo-backed Provider
// exactly, which is what the protocol layer above actually exercises).
func NewLoopbackProvider() Provider {
	return &loopbackProvider{registry: newLoopbackRegistry()}
}

type loopbackRegistry struct {
	mu        sync.Mutex
	listeners map[string]*loopbackListener
}

func newLoopbackRegistry() *loopbackRegistry {
	return &loopbackRegistry{listeners: make(map[string]*loopbackListener)}
}

func key(addr string, port int) string { return fmt.Sprintf("%s:%d", addr, port) }

type loopbackProvider struct {
	registry *loopbackRegistry
}

func (p *loopbackProvider) NewProtectionDomain() (*ProtectionDomain, error) {
	return &ProtectionDomain{provider: p}, nil
}

func (p *loopbackProvider) Listen(pd *ProtectionDomain, addr string, port int) (Listener, error) {
	l := &loopbackListener{
		registry: p.registry,
		key:      key(addr, port),
		accept:   make(chan *loopbackConn, 8),
		closed:   make(chan struct{}),
		cmReady:  make(chan struct{}, 64),
	}
	p.registry.mu.Lock()
	if _, exists := p.registry.listeners[l.key]; exists {
		p.registry.mu.Unlock()
		return nil, fmt.Errorf("loopback: address %s already listening", l.key)
	}
	p.registry.listeners[l.key] = l
	p.registry.mu.Unlock()
	return l, nil
}

func (p *loopbackProvider) Dial(ctx context.Context, pd *ProtectionDomain, addr string, port int) (Connection, error) {
	p.registry.mu.Lock()
	l, ok := p.registry.listeners[key(addr, port)]
	p.registry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: %s: connection refused", key(addr, port))
	}

	serverSide, clientSide := newConnPair()
	select {
	case l.accept <- serverSide:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, fmt.Errorf("loopback: listener closed")
	}
	select {
	case l.cmReady <- struct{}{}:
	default:
	}
	return clientSide, nil
}

func (p *loopbackProvider) Register(pd *ProtectionDomain, size uint64, access AccessFlags) (*Region, error) {
	buf := make([]byte, size)
	return p.RegisterExisting(pd, buf, access)
}

func (p *loopbackProvider) RegisterExisting(pd *ProtectionDomain, buf []byte, access AccessFlags) (*Region, error) {
	rkey := loopbackNextRKey()
	region := &Region{
		Mem:      buf,
		Addr:     0, // opaque in-process; READ/WRITE key off RKey instead of Addr.
		Length:   uint64(len(buf)),
		LKey:     0,
		RKey:     rkey,
		Access:   access,
		provider: p,
		handle:   &loopbackRegionHandle{rkey: rkey},
	}
	regionsByRKey.Store(rkey, region)
	return region, nil
}

func (p *loopbackProvider) deregister(h regionHandle) error {
	if handle, ok := h.(*loopbackRegionHandle); ok {
		regionsByRKey.Delete(handle.rkey)
	}
	return nil
}

type loopbackRegionHandle struct{ rkey uint32 }

var (
	rkeyCounter uint32
	rkeyMu      sync.Mutex
)

func loopbackNextRKey() uint32 {
	rkeyMu.Lock()
	defer rkeyMu.Unlock()
	rkeyCounter++
	return rkeyCounter
}

// regionsByRKey lets one side's PostRDMARead/Write reach the peer's Region
// directly, standing in for what a real NIC does over the wire.
var regionsByRKey sync.Map // uint32 -> *Region

type loopbackListener struct {
	registry *loopbackRegistry
	key      string
	accept   chan *loopbackConn
	closed   chan struct{}
	cmReady  chan struct{}
}

func (l *loopbackListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, fmt.Errorf("loopback: listener closed")
	}
}

func (l *loopbackListener) CMFd() int { return -1 }

func (l *loopbackListener) Close() error {
	l.registry.mu.Lock()
	delete(l.registry.listeners, l.key)
	l.registry.mu.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// CMSignal lets a Listener's event-harness poller learn a connection is
// ready to Accept without a real fd; internal/evloop.ChannelSource wraps
// this directly wherever a loopback Listener's CMFd() == -1.
func (l *loopbackListener) CMSignal() <-chan struct{} { return l.cmReady }

type controlFrame struct {
	payload []byte
	imm     uint32
}

type loopbackConn struct {
	sendCh     chan controlFrame
	recvCh     chan controlFrame
	completion chan WorkCompletion
	cqSignal   chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

func newConnPair() (server, client *loopbackConn) {
	sToC := make(chan controlFrame, 16)
	cToS := make(chan controlFrame, 16)
	a := &loopbackConn{
		sendCh:     sToC,
		recvCh:     cToS,
		completion: make(chan WorkCompletion, 16),
		cqSignal:   make(chan struct{}, 32),
		closed:     make(chan struct{}),
	}
	b := &loopbackConn{
		sendCh:     cToS,
		recvCh:     sToC,
		completion: make(chan WorkCompletion, 16),
		cqSignal:   make(chan struct{}, 32),
		closed:     make(chan struct{}),
	}
	return a, b
}

func (c *loopbackConn) signalCQ(wc WorkCompletion) {
	c.completion <- wc
	select {
	case c.cqSignal <- struct{}{}:
	default:
	}
}

func (c *loopbackConn) AttachQP() (*QueuePair, error) { return &QueuePair{}, nil }

func (c *loopbackConn) PostSendControl(payload []byte, immediate uint32) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.sendCh <- controlFrame{payload: buf, imm: immediate}:
	case <-c.closed:
		return fmt.Errorf("loopback: connection closed")
	}
	c.signalCQ(WorkCompletion{Status: StatusSuccess, Opcode: OpSend})
	return nil
}

func (c *loopbackConn) PostRecvControl(buf []byte) error {
	go func() {
		select {
		case frame := <-c.recvCh:
			copy(buf, frame.payload)
			c.signalCQ(WorkCompletion{
				Status:  StatusSuccess,
				Opcode:  OpRecv,
				ImmData: frame.imm,
				HasImm:  true,
				ByteLen: uint32(len(frame.payload)),
			})
		case <-c.closed:
		}
	}()
	return nil
}

func (c *loopbackConn) PostRDMARead(local *Region, localOffset uint64, remoteAddr uint64, length uint64, remoteKey uint32) error {
	v, ok := regionsByRKey.Load(remoteKey)
	if !ok {
		c.signalCQ(WorkCompletion{Status: StatusRemoteAccessError, Opcode: OpRDMARead})
		return nil
	}
	remote := v.(*Region)
	remote.mu().RLock()
	n := copy(local.Mem[localOffset:localOffset+length], remote.Mem[remoteAddr:remoteAddr+length])
	remote.mu().RUnlock()
	c.signalCQ(WorkCompletion{Status: StatusSuccess, Opcode: OpRDMARead, ByteLen: uint32(n)})
	return nil
}

func (c *loopbackConn) PostRDMAWrite(local *Region, remoteAddr uint64, remoteKey uint32) error {
	v, ok := regionsByRKey.Load(remoteKey)
	if !ok {
		c.signalCQ(WorkCompletion{Status: StatusRemoteAccessError, Opcode: OpRDMAWrite})
		return nil
	}
	remote := v.(*Region)
	remote.mu().Lock()
	n := copy(remote.Mem[remoteAddr:remoteAddr+local.Length], local.Mem)
	remote.mu().Unlock()
	c.signalCQ(WorkCompletion{Status: StatusSuccess, Opcode: OpRDMAWrite, ByteLen: uint32(n)})
	return nil
}

func (c *loopbackConn) PollCompletion(ctx context.Context) (WorkCompletion, error) {
	select {
	case wc := <-c.completion:
		return wc, nil
	case <-ctx.Done():
		return WorkCompletion{}, ctx.Err()
	case <-c.closed:
		return WorkCompletion{}, fmt.Errorf("loopback: connection closed")
	}
}

func (c *loopbackConn) CMFd() int { return -1 }
func (c *loopbackConn) CQFd() int { return -1 }

// CQSignal mirrors CMSignal for completions: internal/evloop.ChannelSource
// wraps this directly instead of epolling CQFd() when running over
// loopback.
func (c *loopbackConn) CQSignal() <-chan struct{} { return c.cqSignal }

func (c *loopbackConn) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
