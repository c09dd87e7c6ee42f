// Package wire implements the fixed-layout control message exchanged over
// the RDMA SEND/RECV queue pair, as specified by KIRO's wire protocol.
package wire

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// MsgType enumerates the control message kinds carried over the wire.
type MsgType uint32

const (
	PING MsgType = iota
	PONG
	AckRDMA
	RejRDMA
	ReqRDMA
	RDMADone
	RDMACancel
	MsgStub
	AckMsg
	Realloc
)

func (t MsgType) String() string {
	switch t {
	case PING:
		return "PING"
	case PONG:
		return "PONG"
	case AckRDMA:
		return "ACK_RDMA"
	case RejRDMA:
		return "REJ_RDMA"
	case ReqRDMA:
		return "REQ_RDMA"
	case RDMADone:
		return "RDMA_DONE"
	case RDMACancel:
		return "RDMA_CANCEL"
	case MsgStub:
		return "MSG_STUB"
	case AckMsg:
		return "ACK_MSG"
	case Realloc:
		return "REALLOC"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// PeerMRI describes a remote memory region as advertised by its owner:
// address, length, remote key, plus an application-level correlation handle.
type PeerMRI struct {
	Addr   uint64
	Length uint64
	RKey   uint32
	Handle uint32
}

// ControlMessage is the fixed-size record exchanged on every SEND/RECV. Its
// wire encoding is XDR (RFC 1832 basic types only: no variable-length
// fields), matching the C source's flat struct layout.
type ControlMessage struct {
	MsgType MsgType
	PeerMRI PeerMRI
}

// ControlMessageSize is the exact encoded size in bytes: one uint32 for
// MsgType plus 24 bytes for PeerMRI (two uint64s, two uint32s), each XDR
// basic value padded to a 4-byte boundary.
const ControlMessageSize = 4 + 8 + 8 + 4 + 4

// xdrControlMessage mirrors ControlMessage with exported XDR-friendly field
// order; kept distinct from ControlMessage so callers can use the MsgType
// enum's String() without the codec needing to know about it.
type xdrControlMessage struct {
	MsgType uint32
	Addr    uint64
	Length  uint64
	RKey    uint32
	Handle  uint32
}

// Marshal encodes a ControlMessage into its wire representation.
func (m ControlMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	wire := xdrControlMessage{
		MsgType: uint32(m.MsgType),
		Addr:    m.PeerMRI.Addr,
		Length:  m.PeerMRI.Length,
		RKey:    m.PeerMRI.RKey,
		Handle:  m.PeerMRI.Handle,
	}
	if _, err := xdr.Marshal(&buf, wire); err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a wire-format control message.
func Unmarshal(data []byte) (ControlMessage, error) {
	var wire xdrControlMessage
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &wire); err != nil {
		return ControlMessage{}, fmt.Errorf("unmarshal control message: %w", err)
	}
	return ControlMessage{
		MsgType: MsgType(wire.MsgType),
		PeerMRI: PeerMRI{
			Addr:   wire.Addr,
			Length: wire.Length,
			RKey:   wire.RKey,
			Handle: wire.Handle,
		},
	}, nil
}
