package evloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopDispatchesCMAndCQ(t *testing.T) {
	cmFire := make(chan struct{})
	cqFire := make(chan struct{})

	var cmCount, cqCount atomic.Int32
	loop := New(
		ChannelSource(cmFire),
		ChannelSource(cqFire),
		func(ctx context.Context) { cmCount.Add(1) },
		func(ctx context.Context) { cqCount.Add(1) },
		nil,
		WithIdleTick(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	cmFire <- struct{}{}
	cqFire <- struct{}{}
	cqFire <- struct{}{}

	require.Eventually(t, func() bool {
		return cmCount.Load() == 1 && cqCount.Load() == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, loop.Stop(context.Background()))
	require.False(t, loop.Alive())
}

func TestLoopIdleHandlerRuns(t *testing.T) {
	var idleCount atomic.Int32
	loop := New(NeverSource(), NeverSource(), nil, nil, func() { idleCount.Add(1) }, WithIdleTick(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	require.Eventually(t, func() bool { return idleCount.Load() > 2 }, time.Second, time.Millisecond)
	require.NoError(t, loop.Stop(context.Background()))
}

func TestLoopStopIsIdempotentAndWaits(t *testing.T) {
	loop := New(NeverSource(), NeverSource(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	require.NoError(t, loop.Stop(context.Background()))
	require.NoError(t, loop.Stop(context.Background()))
	require.False(t, loop.Alive())
}

func TestLoopHandlerPanicDoesNotKillLoop(t *testing.T) {
	cmFire := make(chan struct{}, 2)
	var calls atomic.Int32
	loop := New(ChannelSource(cmFire), NeverSource(), func(ctx context.Context) {
		calls.Add(1)
		panic("boom")
	}, nil, nil, WithIdleTick(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	cmFire <- struct{}{}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, loop.Alive())

	cmFire <- struct{}{}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, loop.Stop(context.Background()))
}

func TestLoopStopRespectsContextDeadline(t *testing.T) {
	loop := &Loop{
		cm:       NeverSource(),
		cq:       NeverSource(),
		idleTick: time.Hour,
		done:     make(chan struct{}),
	}
	loop.started.Store(true) // run() never actually starts; done never closes

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := loop.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
