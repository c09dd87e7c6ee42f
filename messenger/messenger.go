// Package messenger implements KIRO's symmetric arbitrary-size message
// channel: a two-phase control/RDMA protocol where a control message
// negotiates a buffer and a one-sided RDMA WRITE delivers the payload.
package messenger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	kiro "github.com/saisasidhar/kiro"
	"github.com/saisasidhar/kiro/internal/connctx"
	"github.com/saisasidhar/kiro/internal/ctlio"
	"github.com/saisasidhar/kiro/internal/evloop"
	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

// Role selects which side of the connection a Messenger plays. Behavior
// after connection is symmetric; only setup differs.
type Role int

const (
	// Active dials a Passive endpoint.
	Active Role = iota
	// Passive listens and accepts exactly one peer.
	Passive
)

// Status classifies a delivered or completed message.
type Status int

const (
	Received Status = iota
	SendSuccess
	SendFailed
)

func (s Status) String() string {
	switch s {
	case Received:
		return "RECEIVED"
	case SendSuccess:
		return "SEND_SUCCESS"
	case SendFailed:
		return "SEND_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Message is the unit exchanged through a Messenger, on both the send and
// receive paths. Payload is nil for a stub message (len(Payload) == 0).
type Message struct {
	Payload []byte
	Tag     uint32
	Status  Status
}

// ReceiveCallback observes a delivered message. Returning true
// (message_handled) transfers ownership of Payload to the callback; the
// Messenger will not free it. Callbacks run inline on the event loop
// goroutine and must not block or call back into the Messenger.
type ReceiveCallback func(msg Message) (handled bool)

// SendCallback observes the final status of a Submit.
type SendCallback func(msg Message)

type receiveEntry struct {
	id uint64
	cb ReceiveCallback
}

type sendEntry struct {
	id uint64
	cb SendCallback
}

// pendingSend is the single in-flight outbound message slot.
type pendingSend struct {
	handle  uint32
	tag     uint32
	region  *rdmacore.Region // nil for a stub send
	payload []byte
}

// pendingRecv is the single in-flight inbound message slot.
type pendingRecv struct {
	handle uint32
	tag    uint32
	region *rdmacore.Region
}

// Messenger is a symmetric, single-peer message channel. At most one
// message may be in flight per direction at any time; a Submit while one is
// already outstanding is rejected rather than queued.
type Messenger struct {
	log      *zap.SugaredLogger
	provider rdmacore.Provider
	pd       *rdmacore.ProtectionDomain
	listener rdmacore.Listener
	conn     rdmacore.Connection
	ctx      *connctx.Context
	loop     *evloop.Loop

	nextHandle atomic.Uint32

	// submitMu is the caller-side half of the try-lock discipline described
	// by spec's rdma_handling/connection_handling: Submit only try-locks it,
	// so a concurrent Submit is rejected instead of waiting, and the loop
	// never touches it.
	submitMu sync.Mutex

	slotMu sync.Mutex
	send   *pendingSend
	recv   *pendingRecv

	cbMu     sync.Mutex
	nextCbID uint64
	recvCbs  []receiveEntry
	sendCbs  []sendEntry
	stopped  atomic.Bool
}

// Option configures a Messenger at construction.
type Option func(*Messenger)

// WithLogger attaches a logger used for protocol diagnostics and the
// handle-mismatch warning.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Messenger) { m.log = log }
}

// Start connects (Active) or accepts (Passive) the single peer connection
// and begins servicing it.
func Start(ctx context.Context, provider rdmacore.Provider, role Role, addr string, port int, opts ...Option) (*Messenger, error) {
	m := &Messenger{
		log:      zap.NewNop().Sugar(),
		provider: provider,
	}
	for _, opt := range opts {
		opt(m)
	}

	pd, err := provider.NewProtectionDomain()
	if err != nil {
		return nil, kiro.Wrap(kiro.EndpointCreation, "allocate protection domain", err)
	}
	m.pd = pd

	var conn rdmacore.Connection
	switch role {
	case Active:
		conn, err = provider.Dial(ctx, pd, addr, port)
		if err != nil {
			return nil, kiro.Wrap(kiro.AddressResolution, fmt.Sprintf("dial %s:%d", addr, port), err)
		}
	case Passive:
		listener, lerr := provider.Listen(pd, addr, port)
		if lerr != nil {
			return nil, kiro.Wrap(kiro.EndpointCreation, fmt.Sprintf("listen on %s:%d", addr, port), lerr)
		}
		m.listener = listener
		conn, err = listener.Accept(ctx)
		if err != nil {
			listener.Close()
			return nil, kiro.Wrap(kiro.HandshakeFailed, "accept peer", err)
		}
	default:
		return nil, kiro.Wrap(kiro.InvalidArgument, "unknown role", nil)
	}
	m.conn = conn

	if _, err := conn.AttachQP(); err != nil {
		m.teardown(ctx)
		return nil, kiro.Wrap(kiro.EndpointCreation, "attach queue pair", err)
	}

	cctx, err := connctx.New(pd, provider)
	if err != nil {
		m.teardown(ctx)
		return nil, kiro.Wrap(kiro.OutOfMemory, "allocate connection context", err)
	}
	m.ctx = cctx

	cqSource, err := evloop.ResolveCQSource(conn)
	if err != nil {
		m.teardown(ctx)
		return nil, kiro.Wrap(kiro.EndpointCreation, "resolve CQ source", err)
	}
	m.loop = evloop.New(evloop.NeverSource(), cqSource, nil, m.onCompletion, nil, evloop.WithLogger(m.log))

	if err := ctlio.PostRecv(conn, cctx.RecvBuf); err != nil {
		m.teardown(ctx)
		return nil, kiro.Wrap(kiro.HandshakeFailed, "post preemptive receive", err)
	}

	m.loop.Start(ctx)
	return m, nil
}

// AddReceiveCallback registers cb to observe delivered messages, returning
// an id usable with RemoveReceiveCallback. Callbacks are invoked in
// insertion order until one returns handled == true.
func (m *Messenger) AddReceiveCallback(cb ReceiveCallback) uint64 {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCbID++
	id := m.nextCbID
	m.recvCbs = append(m.recvCbs, receiveEntry{id: id, cb: cb})
	return id
}

// RemoveReceiveCallback removes a callback previously added with
// AddReceiveCallback.
func (m *Messenger) RemoveReceiveCallback(id uint64) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, e := range m.recvCbs {
		if e.id == id {
			m.recvCbs = append(m.recvCbs[:i], m.recvCbs[i+1:]...)
			return
		}
	}
}

// AddSendCallback registers cb to observe Submit outcomes.
func (m *Messenger) AddSendCallback(cb SendCallback) uint64 {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCbID++
	id := m.nextCbID
	m.sendCbs = append(m.sendCbs, sendEntry{id: id, cb: cb})
	return id
}

// RemoveSendCallback removes a callback previously added with
// AddSendCallback.
func (m *Messenger) RemoveSendCallback(id uint64) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	for i, e := range m.sendCbs {
		if e.id == id {
			m.sendCbs = append(m.sendCbs[:i], m.sendCbs[i+1:]...)
			return
		}
	}
}

func (m *Messenger) dispatchRecv(msg Message) (handled bool) {
	m.cbMu.Lock()
	cbs := append([]receiveEntry(nil), m.recvCbs...)
	m.cbMu.Unlock()
	for _, e := range cbs {
		if e.cb(msg) {
			return true
		}
	}
	return false
}

func (m *Messenger) dispatchSend(msg Message) {
	m.cbMu.Lock()
	cbs := append([]sendEntry(nil), m.sendCbs...)
	m.cbMu.Unlock()
	for _, e := range cbs {
		e.cb(msg)
	}
}

// Submit sends message, taking ownership of its payload if takeOwnership is
// true (the Messenger will not retain a reference once SEND_SUCCESS or
// SEND_FAILED is reported). At most one Submit may be outstanding at a
// time; a Submit while one is already in flight returns InvalidArgument.
func (m *Messenger) Submit(message Message, takeOwnership bool) error {
	if !m.submitMu.TryLock() {
		return kiro.Wrap(kiro.InvalidArgument, "a send is already in flight", nil)
	}
	defer m.submitMu.Unlock()

	m.slotMu.Lock()
	if m.send != nil {
		m.slotMu.Unlock()
		return kiro.Wrap(kiro.InvalidArgument, "a send is already in flight", nil)
	}
	handle := m.nextHandle.Add(1)

	if len(message.Payload) == 0 {
		m.send = &pendingSend{handle: handle, tag: message.Tag}
		m.slotMu.Unlock()

		stub := wire.ControlMessage{MsgType: wire.MsgStub, PeerMRI: wire.PeerMRI{Handle: handle}}
		if err := ctlio.Send(m.conn, m.ctx.SendBuf, stub, message.Tag); err != nil {
			m.slotMu.Lock()
			m.send = nil
			m.slotMu.Unlock()
			return kiro.Wrap(kiro.TransferFailed, "send MSG_STUB", err)
		}
		return nil
	}

	payload := message.Payload
	if !takeOwnership {
		payload = append([]byte(nil), message.Payload...)
	}
	region, err := m.provider.RegisterExisting(m.pd, payload, rdmacore.AccessLocalWrite)
	if err != nil {
		m.slotMu.Unlock()
		return kiro.Wrap(kiro.OutOfMemory, "register payload region", err)
	}
	m.send = &pendingSend{handle: handle, tag: message.Tag, region: region, payload: payload}
	m.slotMu.Unlock()

	req := wire.ControlMessage{MsgType: wire.ReqRDMA, PeerMRI: wire.PeerMRI{Handle: handle, Length: region.Length}}
	if err := ctlio.Send(m.conn, m.ctx.SendBuf, req, message.Tag); err != nil {
		m.slotMu.Lock()
		m.send = nil
		m.slotMu.Unlock()
		region.Destroy()
		return kiro.Wrap(kiro.TransferFailed, "send REQ_RDMA", err)
	}
	return nil
}

func (m *Messenger) onCompletion(ctx context.Context) {
	wc, err := m.conn.PollCompletion(ctx)
	if err != nil {
		m.log.Warnw("connection lost", "error", err)
		m.failPending()
		return
	}
	if wc.Status != rdmacore.StatusSuccess {
		if wc.Opcode == rdmacore.OpRDMAWrite {
			// The WRITE itself failed (e.g. remote access revoked mid-transfer);
			// the connection may still be healthy, so notify the peer's
			// pending receive with RDMA_CANCEL instead of tearing everything
			// down via failPending.
			m.log.Warnw("RDMA write completion error", "status", wc.Status)
			m.handleWriteFailed()
			return
		}
		m.log.Warnw("connection error", "status", wc.Status)
		m.failPending()
		return
	}

	switch wc.Opcode {
	case rdmacore.OpRecv:
		m.handleRecv(wc)
	case rdmacore.OpRDMAWrite:
		m.handleWriteComplete()
	case rdmacore.OpSend, rdmacore.OpRDMARead:
		// no protocol action needed on the local completion of a SEND or
		// READ; the peer's reply drives the state machine forward.
	}
}

func (m *Messenger) handleRecv(wc rdmacore.WorkCompletion) {
	msg, err := ctlio.Decode(m.ctx.RecvBuf, wc.ByteLen)
	if err != nil {
		m.log.Errorw("decode control message failed", "error", err)
		return
	}
	if err := ctlio.PostRecv(m.conn, m.ctx.RecvBuf); err != nil {
		m.log.Errorw("re-post recv failed", "error", err)
		m.failPending()
		return
	}

	switch msg.MsgType {
	case wire.PING:
		pong := wire.ControlMessage{MsgType: wire.PONG}
		if err := ctlio.Send(m.conn, m.ctx.SendBuf, pong, wc.ImmData); err != nil {
			m.log.Errorw("PONG send failed", "error", err)
		}
	case wire.MsgStub:
		m.handleIncomingStub(msg, wc.ImmData)
	case wire.ReqRDMA:
		m.handleIncomingReq(msg, wc.ImmData)
	case wire.RDMADone:
		m.handleRDMADone(msg)
	case wire.RDMACancel:
		m.handleRDMACancel(msg)
	case wire.AckMsg:
		m.handleAckMsg(msg)
	case wire.RejRDMA:
		m.handleRejRDMA(msg)
	case wire.AckRDMA:
		m.handleAckRDMA(msg)
	default:
		m.log.Debugw("unexpected control message", "msg_type", msg.MsgType)
	}
}

func (m *Messenger) handleIncomingStub(msg wire.ControlMessage, imm uint32) {
	m.slotMu.Lock()
	busy := m.recv != nil
	m.slotMu.Unlock()

	m.cbMu.Lock()
	hasCbs := len(m.recvCbs) > 0
	m.cbMu.Unlock()

	if !hasCbs || busy {
		reply := wire.ControlMessage{MsgType: wire.RejRDMA, PeerMRI: wire.PeerMRI{Handle: msg.PeerMRI.Handle}}
		if err := ctlio.Send(m.conn, m.ctx.SendBuf, reply, 0); err != nil {
			m.log.Errorw("REJ_RDMA send failed", "error", err)
		}
		return
	}

	m.dispatchRecv(Message{Tag: imm, Status: Received})
	ack := wire.ControlMessage{MsgType: wire.AckMsg, PeerMRI: wire.PeerMRI{Handle: msg.PeerMRI.Handle}}
	if err := ctlio.Send(m.conn, m.ctx.SendBuf, ack, 0); err != nil {
		m.log.Errorw("ACK_MSG send failed", "error", err)
	}
}

func (m *Messenger) handleIncomingReq(msg wire.ControlMessage, imm uint32) {
	m.cbMu.Lock()
	hasCbs := len(m.recvCbs) > 0
	m.cbMu.Unlock()

	m.slotMu.Lock()
	busy := m.recv != nil
	m.slotMu.Unlock()

	reject := func() {
		reply := wire.ControlMessage{MsgType: wire.RejRDMA, PeerMRI: wire.PeerMRI{Handle: msg.PeerMRI.Handle}}
		if err := ctlio.Send(m.conn, m.ctx.SendBuf, reply, 0); err != nil {
			m.log.Errorw("REJ_RDMA send failed", "error", err)
		}
	}

	if !hasCbs || busy {
		reject()
		return
	}

	region, err := m.provider.Register(m.pd, msg.PeerMRI.Length, rdmacore.AccessRemoteRead|rdmacore.AccessRemoteWrite)
	if err != nil {
		m.log.Errorw("allocate receive region failed", "error", err)
		reject()
		return
	}

	m.slotMu.Lock()
	m.recv = &pendingRecv{handle: msg.PeerMRI.Handle, tag: imm, region: region}
	m.slotMu.Unlock()

	addr, length, rkey := region.Descriptor()
	ack := wire.ControlMessage{MsgType: wire.AckRDMA, PeerMRI: wire.PeerMRI{Handle: msg.PeerMRI.Handle, Addr: addr, Length: length, RKey: rkey}}
	if err := ctlio.Send(m.conn, m.ctx.SendBuf, ack, 0); err != nil {
		m.log.Errorw("ACK_RDMA send failed", "error", err)
		m.slotMu.Lock()
		m.recv = nil
		m.slotMu.Unlock()
		region.Destroy()
	}
}

func (m *Messenger) handleRDMADone(msg wire.ControlMessage) {
	m.slotMu.Lock()
	recv := m.recv
	if recv == nil || recv.handle != msg.PeerMRI.Handle {
		m.slotMu.Unlock()
		if recv != nil {
			m.log.Warnw("RDMA_DONE handle mismatch, ignoring", "got", msg.PeerMRI.Handle, "want", recv.handle)
		}
		return
	}
	m.recv = nil
	m.slotMu.Unlock()

	handled := m.dispatchRecv(Message{Payload: recv.region.Mem, Tag: recv.tag, Status: Received})
	if handled {
		recv.region.Detach()
	}
	recv.region.Destroy()
}

func (m *Messenger) handleRDMACancel(msg wire.ControlMessage) {
	m.slotMu.Lock()
	recv := m.recv
	if recv == nil || recv.handle != msg.PeerMRI.Handle {
		m.slotMu.Unlock()
		if recv != nil {
			m.log.Warnw("RDMA_CANCEL handle mismatch, ignoring", "got", msg.PeerMRI.Handle, "want", recv.handle)
		}
		return
	}
	m.recv = nil
	m.slotMu.Unlock()
	recv.region.Destroy()
}

func (m *Messenger) handleAckMsg(msg wire.ControlMessage) {
	m.slotMu.Lock()
	send := m.send
	if send == nil || send.handle != msg.PeerMRI.Handle {
		m.slotMu.Unlock()
		if send != nil {
			m.log.Warnw("ACK_MSG handle mismatch, ignoring", "got", msg.PeerMRI.Handle, "want", send.handle)
		}
		return
	}
	m.send = nil
	m.slotMu.Unlock()
	m.dispatchSend(Message{Tag: send.tag, Status: SendSuccess})
}

func (m *Messenger) handleRejRDMA(msg wire.ControlMessage) {
	m.slotMu.Lock()
	send := m.send
	if send == nil || send.handle != msg.PeerMRI.Handle {
		m.slotMu.Unlock()
		if send != nil {
			m.log.Warnw("REJ_RDMA handle mismatch, ignoring", "got", msg.PeerMRI.Handle, "want", send.handle)
		}
		return
	}
	m.send = nil
	m.slotMu.Unlock()
	if send.region != nil {
		send.region.Destroy()
	}
	m.dispatchSend(Message{Payload: send.payload, Tag: send.tag, Status: SendFailed})
}

func (m *Messenger) handleAckRDMA(msg wire.ControlMessage) {
	m.slotMu.Lock()
	send := m.send
	if send == nil || send.handle != msg.PeerMRI.Handle {
		m.slotMu.Unlock()
		if send != nil {
			m.log.Warnw("ACK_RDMA handle mismatch, ignoring", "got", msg.PeerMRI.Handle, "want", send.handle)
		}
		return
	}
	m.slotMu.Unlock()

	if err := m.conn.PostRDMAWrite(send.region, msg.PeerMRI.Addr, msg.PeerMRI.RKey); err != nil {
		m.log.Errorw("post RDMA write failed", "error", err)
		m.finishSend(send, SendFailed, wire.RDMACancel)
	}
}

func (m *Messenger) handleWriteComplete() {
	m.slotMu.Lock()
	send := m.send
	m.slotMu.Unlock()
	if send == nil || send.region == nil {
		return
	}
	m.finishSend(send, SendSuccess, wire.RDMADone)
}

// handleWriteFailed reports the pending send as SEND_FAILED and tells the
// peer via RDMA_CANCEL, so the receive region it allocated in
// handleIncomingReq doesn't wait forever for a RDMA_DONE that will never
// come.
func (m *Messenger) handleWriteFailed() {
	m.slotMu.Lock()
	send := m.send
	m.slotMu.Unlock()
	if send == nil || send.region == nil {
		return
	}
	m.finishSend(send, SendFailed, wire.RDMACancel)
}

func (m *Messenger) finishSend(send *pendingSend, status Status, notify wire.MsgType) {
	m.slotMu.Lock()
	if m.send == send {
		m.send = nil
	}
	m.slotMu.Unlock()

	done := wire.ControlMessage{MsgType: notify, PeerMRI: wire.PeerMRI{Handle: send.handle}}
	if err := ctlio.Send(m.conn, m.ctx.SendBuf, done, 0); err != nil {
		m.log.Errorw("send transfer-outcome notification failed", "msg_type", notify, "error", err)
	}
	m.dispatchSend(Message{Payload: send.payload, Tag: send.tag, Status: status})
	send.region.Destroy()
}

// failPending marks any in-flight send SEND_FAILED and drops any in-flight
// receive, for use when the connection itself has failed: teardown leaves
// no path for a reply to ever arrive.
func (m *Messenger) failPending() {
	m.slotMu.Lock()
	send := m.send
	recv := m.recv
	m.send = nil
	m.recv = nil
	m.slotMu.Unlock()

	if send != nil {
		if send.region != nil {
			send.region.Destroy()
		}
		m.dispatchSend(Message{Payload: send.payload, Tag: send.tag, Status: SendFailed})
	}
	if recv != nil {
		recv.region.Destroy()
	}
}

func (m *Messenger) teardown(ctx context.Context) {
	if m.loop != nil {
		m.loop.Stop(ctx)
	}
	m.failPending()
	if m.ctx != nil {
		m.ctx.Destroy()
	}
	if m.conn != nil {
		m.conn.Disconnect()
	}
	if m.listener != nil {
		m.listener.Close()
	}
}

// Stop tears down the connection, fails any in-flight message, and clears
// all callbacks. Idempotent.
func (m *Messenger) Stop(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.teardown(ctx)

	m.cbMu.Lock()
	m.recvCbs = nil
	m.sendCbs = nil
	m.cbMu.Unlock()
	return nil
}
