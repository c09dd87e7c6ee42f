// Package connctx implements the per-connection Connection Context: the
// fixed-size send/recv control buffers every connection needs for the
// wire control protocol.
package connctx

import (
	"fmt"

	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

// Context is allocated at connection setup and destroyed at teardown.
type Context struct {
	SendBuf *rdmacore.Region
	RecvBuf *rdmacore.Region
}

// New registers the two fixed-size control buffers against pd. Both are
// local-write only: control messages never need to be RDMA-addressable by
// a peer, only sent/received over the QP.
func New(pd *rdmacore.ProtectionDomain, provider rdmacore.Provider) (*Context, error) {
	send, err := provider.Register(pd, wire.ControlMessageSize, rdmacore.AccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("register send control buffer: %w", err)
	}
	recv, err := provider.Register(pd, wire.ControlMessageSize, rdmacore.AccessLocalWrite)
	if err != nil {
		send.Destroy()
		return nil, fmt.Errorf("register recv control buffer: %w", err)
	}
	return &Context{SendBuf: send, RecvBuf: recv}, nil
}

// Destroy releases both control buffers.
func (c *Context) Destroy() error {
	var firstErr error
	if c.SendBuf != nil {
		if err := c.SendBuf.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy send buffer: %w", err)
		}
		c.SendBuf = nil
	}
	if c.RecvBuf != nil {
		if err := c.RecvBuf.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy recv buffer: %w", err)
		}
		c.RecvBuf = nil
	}
	return firstErr
}
