package messenger

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saisasidhar/kiro/internal/rdmacore"
)

func startPair(t *testing.T, addr string, port int) (passive, active *Messenger) {
	t.Helper()
	provider := rdmacore.NewLoopbackProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	passiveDone := make(chan *Messenger, 1)
	passiveErr := make(chan error, 1)
	go func() {
		m, err := Start(ctx, provider, Passive, addr, port)
		if err != nil {
			passiveErr <- err
			return
		}
		passiveDone <- m
	}()

	// Give the passive side time to start listening before dialing.
	time.Sleep(20 * time.Millisecond)

	act, err := Start(ctx, provider, Active, addr, port)
	require.NoError(t, err)

	select {
	case m := <-passiveDone:
		return m, act
	case err := <-passiveErr:
		t.Fatalf("passive start failed: %v", err)
		return nil, nil
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for passive accept")
		return nil, nil
	}
}

func TestMessengerStubMessage(t *testing.T) {
	passive, active := startPair(t, "127.0.0.1", 40001)
	defer passive.Stop(context.Background())
	defer active.Stop(context.Background())

	received := make(chan Message, 1)
	passive.AddReceiveCallback(func(msg Message) bool {
		received <- msg
		return false
	})

	sendDone := make(chan Message, 1)
	active.AddSendCallback(func(msg Message) {
		sendDone <- msg
	})

	require.NoError(t, active.Submit(Message{Tag: 0x1234}, false))

	select {
	case msg := <-received:
		require.Nil(t, msg.Payload)
		require.EqualValues(t, 0x1234, msg.Tag)
		require.Equal(t, Received, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("receive callback not invoked")
	}

	select {
	case msg := <-sendDone:
		require.Equal(t, SendSuccess, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback not invoked")
	}
}

func TestMessengerLargeMessage(t *testing.T) {
	passive, active := startPair(t, "127.0.0.1", 40002)
	defer passive.Stop(context.Background())
	defer active.Stop(context.Background())

	payload := make([]byte, 65536)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	received := make(chan Message, 1)
	passive.AddReceiveCallback(func(msg Message) bool {
		received <- msg
		return true // claim ownership, keep the payload alive past this callback
	})

	sendDone := make(chan Message, 1)
	active.AddSendCallback(func(msg Message) {
		sendDone <- msg
	})

	require.NoError(t, active.Submit(Message{Payload: payload, Tag: 7}, true))

	select {
	case msg := <-received:
		require.Equal(t, payload, msg.Payload)
		require.EqualValues(t, 7, msg.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("receive callback not invoked")
	}

	select {
	case msg := <-sendDone:
		require.Equal(t, SendSuccess, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback not invoked")
	}
}

func TestMessengerRejectsWithoutReceiveCallback(t *testing.T) {
	passive, active := startPair(t, "127.0.0.1", 40003)
	defer passive.Stop(context.Background())
	defer active.Stop(context.Background())

	sendDone := make(chan Message, 1)
	active.AddSendCallback(func(msg Message) { sendDone <- msg })

	require.NoError(t, active.Submit(Message{Payload: []byte("hi"), Tag: 1}, true))

	select {
	case msg := <-sendDone:
		require.Equal(t, SendFailed, msg.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback not invoked")
	}
}

func TestMessengerRejectsConcurrentSubmit(t *testing.T) {
	passive, active := startPair(t, "127.0.0.1", 40004)
	defer passive.Stop(context.Background())
	defer active.Stop(context.Background())

	passive.AddReceiveCallback(func(msg Message) bool { return false })

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = active.Submit(Message{Tag: uint32(i)}, false)
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, err := range errs {
		if err == nil {
			successCount++
		}
	}
	require.Equal(t, 1, successCount)
}

// TestMessengerTeardownFailsPendingMessages exercises the resolved open
// question on mid-transfer teardown directly: a pending send left in flight
// (as if the peer vanished before replying) must be reported SEND_FAILED,
// with its tag, once Stop tears the connection down.
func TestMessengerTeardownFailsPendingMessages(t *testing.T) {
	passive, active := startPair(t, "127.0.0.1", 40005)
	defer passive.Stop(context.Background())

	sendDone := make(chan Message, 1)
	active.AddSendCallback(func(msg Message) { sendDone <- msg })

	region, err := active.provider.Register(active.pd, 8, rdmacore.AccessLocalWrite)
	require.NoError(t, err)
	active.slotMu.Lock()
	active.send = &pendingSend{handle: 99, tag: 5, region: region, payload: []byte("stuck!!!")}
	active.slotMu.Unlock()

	require.NoError(t, active.Stop(context.Background()))

	select {
	case msg := <-sendDone:
		require.Equal(t, SendFailed, msg.Status)
		require.EqualValues(t, 5, msg.Tag)
	case <-time.After(time.Second):
		t.Fatal("send callback not invoked on teardown")
	}
}
