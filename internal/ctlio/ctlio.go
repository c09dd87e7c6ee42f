// Package ctlio is the thin glue between the wire codec and the RDMA
// Connection primitives: encoding a control message into a connection's
// send buffer and posting it, and decoding one out of a completed receive.
// Shared by shm/server, shm/client, and messenger so each doesn't re-derive
// the same three lines around ControlMessage.Marshal/wire.Unmarshal.
package ctlio

import (
	"fmt"

	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

// Send encodes msg into buf's backing memory and posts it as a SEND
// carrying immediate atomically with delivery.
func Send(conn rdmacore.Connection, buf *rdmacore.Region, msg wire.ControlMessage, immediate uint32) error {
	encoded, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if len(encoded) > len(buf.Mem) {
		return fmt.Errorf("control message %d bytes exceeds buffer of %d", len(encoded), len(buf.Mem))
	}
	copy(buf.Mem, encoded)
	if err := conn.PostSendControl(buf.Mem[:len(encoded)], immediate); err != nil {
		return fmt.Errorf("post send %s: %w", msg.MsgType, err)
	}
	return nil
}

// PostRecv pre-posts buf to receive the next control message.
func PostRecv(conn rdmacore.Connection, buf *rdmacore.Region) error {
	if err := conn.PostRecvControl(buf.Mem[:wire.ControlMessageSize]); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}
	return nil
}

// Decode unmarshals a control message from the first n bytes of buf,
// typically n == wc.ByteLen from the completion that satisfied PostRecv.
func Decode(buf *rdmacore.Region, n uint32) (wire.ControlMessage, error) {
	if int(n) > len(buf.Mem) {
		n = uint32(len(buf.Mem))
	}
	msg, err := wire.Unmarshal(buf.Mem[:n])
	if err != nil {
		return wire.ControlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	return msg, nil
}
