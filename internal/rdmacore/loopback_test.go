package rdmacore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndDestroy(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	region, err := p.Register(pd, 128, AccessLocalWrite)
	require.NoError(t, err)
	require.Len(t, region.Mem, 128)
	require.NotZero(t, region.RKey)

	require.NoError(t, region.Destroy())
	require.Nil(t, region.Mem)
}

func TestRegisterExistingSharesBackingSlice(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	buf := []byte("hello world")
	region, err := p.RegisterExisting(pd, buf, AccessRemoteRead)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(region.Mem))

	buf[0] = 'H'
	require.Equal(t, byte('H'), region.Mem[0])
}

func TestDialWithoutListenerFails(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	_, err = p.Dial(context.Background(), pd, "127.0.0.1", 1)
	require.Error(t, err)
}

func TestListenDialAcceptRoundTrip(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	listener, err := p.Listen(pd, "127.0.0.1", 9999)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDone := make(chan Connection, 1)
	go func() {
		conn, err := p.Dial(ctx, pd, "127.0.0.1", 9999)
		require.NoError(t, err)
		clientDone <- conn
	}()

	serverConn, err := listener.Accept(ctx)
	require.NoError(t, err)
	clientConn := <-clientDone

	_, err = serverConn.AttachQP()
	require.NoError(t, err)
	_, err = clientConn.AttachQP()
	require.NoError(t, err)

	require.NoError(t, clientConn.PostRecvControl(make([]byte, 16)))
	require.NoError(t, serverConn.PostSendControl([]byte("ping-control"), 42))

	wc, err := clientConn.PollCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, OpRecv, wc.Opcode)
	require.EqualValues(t, 42, wc.ImmData)

	require.NoError(t, serverConn.Disconnect())
	require.NoError(t, clientConn.Disconnect())
}

func TestRDMAReadWriteAcrossConnection(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	listener, err := p.Listen(pd, "127.0.0.1", 9998)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDone := make(chan Connection, 1)
	go func() {
		conn, err := p.Dial(ctx, pd, "127.0.0.1", 9998)
		require.NoError(t, err)
		clientDone <- conn
	}()
	serverConn, err := listener.Accept(ctx)
	require.NoError(t, err)
	clientConn := <-clientDone

	remote, err := p.Register(pd, 16, AccessRemoteRead|AccessRemoteWrite)
	require.NoError(t, err)
	copy(remote.Mem, []byte("0123456789ABCDEF"))

	local, err := p.Register(pd, 16, AccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, clientConn.PostRDMARead(local, 0, 4, 8, remote.RKey))
	wc, err := clientConn.PollCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, "456789AB", string(local.Mem[:8]))

	write, err := p.Register(pd, 4, AccessLocalWrite)
	require.NoError(t, err)
	copy(write.Mem, []byte("ZZZZ"))
	require.NoError(t, clientConn.PostRDMAWrite(write, 0, remote.RKey))
	wc, err = clientConn.PollCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, wc.Status)
	require.Equal(t, "ZZZZ456789ABCDEF", string(remote.Mem))

	require.NoError(t, serverConn.Disconnect())
	require.NoError(t, clientConn.Disconnect())
}

func TestRDMAReadUnknownRKeyReturnsAccessError(t *testing.T) {
	p := NewLoopbackProvider()
	pd, err := p.NewProtectionDomain()
	require.NoError(t, err)

	listener, err := p.Listen(pd, "127.0.0.1", 9997)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDone := make(chan Connection, 1)
	go func() {
		conn, err := p.Dial(ctx, pd, "127.0.0.1", 9997)
		require.NoError(t, err)
		clientDone <- conn
	}()
	_, err = listener.Accept(ctx)
	require.NoError(t, err)
	clientConn := <-clientDone

	local, err := p.Register(pd, 16, AccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, clientConn.PostRDMARead(local, 0, 0, 8, 0xDEADBEEF))
	wc, err := clientConn.PollCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusRemoteAccessError, wc.Status)
}

func TestAccessFlagsString(t *testing.T) {
	require.Equal(t, "-", AccessFlags(0).String())
	require.Equal(t, "LWR", (AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead).String())
}
