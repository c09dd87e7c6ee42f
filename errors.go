// Package kiro implements remote-memory communication over RDMA: a
// shared-memory mirroring channel (shm/server, shm/client) and a symmetric
// arbitrary-size message channel (messenger), both built on the connection
// primitives in internal/rdmacore.
package kiro

import "errors"

// ErrorKind classifies the failures surfaced by KIRO's public APIs. Callers
// should match on these with errors.Is rather than inspecting error text.
type ErrorKind string

const (
	AddressResolution ErrorKind = "address_resolution"
	EndpointCreation  ErrorKind = "endpoint_creation"
	HandshakeFailed   ErrorKind = "handshake_failed"
	OutOfMemory       ErrorKind = "out_of_memory"
	TransferFailed    ErrorKind = "transfer_failed"
	ServerUnresponsive ErrorKind = "server_unresponsive"
	AccessRevoked     ErrorKind = "access_revoked"
	InvalidArgument   ErrorKind = "invalid_argument"
	Timeout           ErrorKind = "timeout"
)

// Sentinel errors, one per ErrorKind, for use with errors.Is/errors.As.
var (
	ErrAddressResolution  = errors.New(string(AddressResolution))
	ErrEndpointCreation   = errors.New(string(EndpointCreation))
	ErrHandshakeFailed    = errors.New(string(HandshakeFailed))
	ErrOutOfMemory        = errors.New(string(OutOfMemory))
	ErrTransferFailed     = errors.New(string(TransferFailed))
	ErrServerUnresponsive = errors.New(string(ServerUnresponsive))
	ErrAccessRevoked      = errors.New(string(AccessRevoked))
	ErrInvalidArgument    = errors.New(string(InvalidArgument))
	ErrTimeout            = errors.New(string(Timeout))
)

// kindToSentinel maps each ErrorKind to its sentinel, used by Wrap.
var kindToSentinel = map[ErrorKind]error{
	AddressResolution:  ErrAddressResolution,
	EndpointCreation:   ErrEndpointCreation,
	HandshakeFailed:    ErrHandshakeFailed,
	OutOfMemory:        ErrOutOfMemory,
	TransferFailed:     ErrTransferFailed,
	ServerUnresponsive: ErrServerUnresponsive,
	AccessRevoked:      ErrAccessRevoked,
	InvalidArgument:    ErrInvalidArgument,
	Timeout:            ErrTimeout,
}

// Wrap annotates err with an ErrorKind sentinel so callers can recover the
// kind via errors.Is, while keeping the original message and cause visible.
func Wrap(kind ErrorKind, msg string, cause error) error {
	sentinel := kindToSentinel[kind]
	if cause == nil {
		return &kindError{kind: sentinel, msg: msg}
	}
	return &kindError{kind: sentinel, msg: msg, cause: cause}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}
