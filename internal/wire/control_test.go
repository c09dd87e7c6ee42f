package wire_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/saisasidhar/kiro/internal/wire"
)

func TestControlMessageRoundTrip(t *testing.T) {
	cases := []wire.ControlMessage{
		{MsgType: wire.PING},
		{MsgType: wire.PONG},
		{
			MsgType: wire.AckRDMA,
			PeerMRI: wire.PeerMRI{Addr: 0xdeadbeef, Length: 4096, RKey: 7, Handle: 42},
		},
		{MsgType: wire.ReqRDMA, PeerMRI: wire.PeerMRI{Length: 65536, Handle: 99}},
		{MsgType: wire.Realloc, PeerMRI: wire.PeerMRI{Addr: 1, Length: 8192, RKey: 3}},
	}

	for _, want := range cases {
		t.Run(want.MsgType.String(), func(t *testing.T) {
			encoded, err := want.Marshal()
			require.NoError(t, err)

			got, err := wire.Unmarshal(encoded)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMsgTypeString(t *testing.T) {
	require.Equal(t, "ACK_MSG", wire.AckMsg.String())
	require.Contains(t, wire.MsgType(255).String(), "MsgType")
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := wire.Unmarshal([]byte{0, 1, 2})
	require.Error(t, err)
}
