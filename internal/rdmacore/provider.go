package rdmacore

import "context"

// regionHandle is an opaque per-provider token identifying a registered
// memory region to that provider's deregister call. Callers never see it;
// it lives only inside Region.
type regionHandle interface{}

// ConnID is an opaque per-provider token identifying an established RDMA
// connection (QP + CM id) to that provider's DestroyConnection call.
type ConnID interface {
	// CMFd returns the file descriptor that becomes readable when a
	// connection-manager event is pending for this connection's listener.
	CMFd() int
	// CQFd returns the file descriptor that becomes readable when a
	// completion event is pending on this connection's completion queue.
	CQFd() int
}

// ProtectionDomain scopes a set of Regions and Connections, mirroring
// ibv_pd.
type ProtectionDomain struct {
	provider Provider
	native   any
}

// WorkCompletion reports the outcome of one posted work request.
type WorkCompletion struct {
	Status   CompletionStatus
	Opcode   WROpcode
	ImmData  uint32
	HasImm   bool
	ByteLen  uint32
}

// CompletionStatus mirrors the subset of ibv_wc_status values KIRO's
// protocol logic distinguishes; anything else collapses to StatusOtherError.
type CompletionStatus int

const (
	StatusSuccess CompletionStatus = iota
	StatusRetryExceeded
	StatusRemoteAccessError
	StatusOtherError
)

// WROpcode identifies which kind of work request a completion refers to.
type WROpcode int

const (
	OpSend WROpcode = iota
	OpRecv
	OpRDMARead
	OpRDMAWrite
)

// Provider is the seam between KIRO's protocol logic and the underlying
// RDMA transport. The cgo-backed implementation binds libibverbs/librdmacm
// directly; the loopback implementation runs the identical protocol logic
// over in-process pipes so it can be exercised by tests without a fabric.
type Provider interface {
	// NewProtectionDomain allocates a protection domain for subsequent
	// Register/RegisterExisting/Listen/Dial calls.
	NewProtectionDomain() (*ProtectionDomain, error)

	// Listen accepts incoming connections on addr:port. Each Accept
	// corresponds to one client in the Shared-Memory Server's terms, or
	// the single peer accepted by a passive Messenger.
	Listen(pd *ProtectionDomain, addr string, port int) (Listener, error)

	// Dial establishes one outbound connection, as used by the
	// Shared-Memory Client and an active Messenger.
	Dial(ctx context.Context, pd *ProtectionDomain, addr string, port int) (Connection, error)

	// Register pins a freshly allocated buffer of size bytes.
	Register(pd *ProtectionDomain, size uint64, access AccessFlags) (*Region, error)

	// RegisterExisting pins a caller-provided buffer in place, used for
	// zero-copy send of a user-owned Messenger payload.
	RegisterExisting(pd *ProtectionDomain, buf []byte, access AccessFlags) (*Region, error)

	deregister(h regionHandle) error
}

// Listener accepts RDMA connections on one bound address.
type Listener interface {
	// Accept blocks until a connection request arrives or ctx is done.
	Accept(ctx context.Context) (Connection, error)
	// CMFd is the connection-manager event channel fd to poll.
	CMFd() int
	Close() error
}

// QueuePair is the send/receive work-queue pair attached to a Connection by
// AttachQP, sized per spec: 10 send WRs, 10 recv WRs, 1 SGE each, all sends
// signaled.
type QueuePair struct {
	native any
}

// Connection is one established, reliable-connection RDMA endpoint, after
// AttachQP has allocated its queue pair.
type Connection interface {
	ConnID

	// AttachQP allocates the protection domain's queue pair for this
	// connection, per spec.md §4.1.
	AttachQP() (*QueuePair, error)

	// PostSendControl posts a SEND of a fixed-size control message with a
	// 32-bit immediate carried atomically with delivery.
	PostSendControl(payload []byte, immediate uint32) error

	// PostRecvControl pre-posts one receive buffer for the next control
	// message; the event harness re-posts exactly one per completion
	// handled.
	PostRecvControl(buf []byte) error

	// PostRDMARead issues a one-sided READ from the peer's advertised
	// region into local, per spec.md §4.4.
	PostRDMARead(local *Region, localOffset uint64, remoteAddr uint64, length uint64, remoteKey uint32) error

	// PostRDMAWrite issues a one-sided WRITE of local's full contents into
	// the peer's advertised region, per spec.md §4.5.
	PostRDMAWrite(local *Region, remoteAddr uint64, remoteKey uint32) error

	// PollCompletion blocks for the next completion on this connection's
	// CQ, or returns ctx.Err() if ctx is done first.
	PollCompletion(ctx context.Context) (WorkCompletion, error)

	// Disconnect tears down the QP and CM id. Idempotent.
	Disconnect() error
}

// DestroyConnection disconnects and releases conn's resources. Idempotent
// against an already-torn-down connection.
func DestroyConnection(conn Connection) error {
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}
