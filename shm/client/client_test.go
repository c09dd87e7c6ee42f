package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kiro "github.com/saisasidhar/kiro"
	"github.com/saisasidhar/kiro/internal/rdmacore"
)

func TestConnectToNonexistentServerFails(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Connect(ctx, provider, "127.0.0.1", 54321)
	require.Error(t, err)
	require.ErrorIs(t, err, kiro.ErrAddressResolution)
}

func TestFailedConnectReturnsNoClient(t *testing.T) {
	provider := rdmacore.NewLoopbackProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Connect(ctx, provider, "127.0.0.1", 54322)
	require.Error(t, err)
	require.Nil(t, c)
}
