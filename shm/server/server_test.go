package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saisasidhar/kiro/internal/rdmacore"
	"github.com/saisasidhar/kiro/shm/client"
)

func newLoopbackAddr(t *testing.T) (string, int) {
	t.Helper()
	return "127.0.0.1", 50000 + int(time.Now().UnixNano()%10000)
}

func TestSingleSync(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := bytes.Repeat([]byte{0xAB}, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	require.NoError(t, c.Sync(ctx))
	require.EqualValues(t, 4096, c.GetMemorySize())
	require.True(t, bytes.Equal(c.GetMemory(), memory))
}

func TestPartialSync(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := make([]byte, 1024)
	for i := range memory {
		memory[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	require.NoError(t, c.SyncPartial(ctx, 256, 128, 512))
	mirror := c.GetMemory()
	require.Equal(t, memory[256:384], mirror[512:640])
}

func TestOutOfBoundsSync(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := make([]byte, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	err = c.SyncPartial(ctx, 2000, 0, 0)
	require.Error(t, err)
}

func TestReallocation(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := bytes.Repeat([]byte{0x01}, 1024)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c1, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c1.Disconnect(context.Background())

	c2, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c2.Disconnect(context.Background())

	newMemory := bytes.Repeat([]byte{0x02}, 8192)
	require.NoError(t, srv.Reallocate(ctx, newMemory))

	require.Eventually(t, func() bool {
		return c1.GetMemorySize() == 8192 && c2.GetMemorySize() == 8192
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c1.Sync(ctx))
	require.NoError(t, c2.Sync(ctx))
	require.True(t, bytes.Equal(c1.GetMemory(), newMemory))
	require.True(t, bytes.Equal(c2.GetMemory(), newMemory))
}

func TestPing(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	c, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	rtt, err := c.Ping(ctx, 2*time.Second)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, int64(0))
}

func TestIsRunningGoesFalseAfterStop(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)
	require.True(t, srv.IsRunning())

	require.NoError(t, srv.Stop(context.Background()))
	require.False(t, srv.IsRunning())
}

func TestPingTimeoutAfterServerStop(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	addr, port := newLoopbackAddr(t)

	memory := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, err := Start(ctx, provider, addr, port, memory)
	require.NoError(t, err)

	c, err := client.Connect(ctx, provider, addr, port)
	require.NoError(t, err)
	defer c.Disconnect(context.Background())

	require.NoError(t, srv.Stop(context.Background()))

	rtt, err := c.Ping(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, -1, rtt)
}
