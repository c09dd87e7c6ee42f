package connctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/internal/wire"
)

func TestNewAllocatesControlBuffers(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	pd, err := provider.NewProtectionDomain()
	require.NoError(t, err)

	ctx, err := New(pd, provider)
	require.NoError(t, err)
	require.Len(t, ctx.SendBuf.Mem, wire.ControlMessageSize)
	require.Len(t, ctx.RecvBuf.Mem, wire.ControlMessageSize)
}

func TestDestroyClearsAllBuffers(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	pd, err := provider.NewProtectionDomain()
	require.NoError(t, err)

	ctx, err := New(pd, provider)
	require.NoError(t, err)

	require.NoError(t, ctx.Destroy())
	require.Nil(t, ctx.SendBuf)
	require.Nil(t, ctx.RecvBuf)
}
