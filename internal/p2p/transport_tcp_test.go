package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

func init() {
	testTransports["tcp"] = func(t *testing.T) (p2p.Transport, types.NodeKey) {
		transport := p2p.NewTCPTransport(log.NewNopLogger(), p2p.TCPTransportOptions{
			MaxMessageSize: 1 << 20,
			DialTimeout:    time.Second,
		})
		require.NoError(t, transport.Listen("127.0.0.1:0"))
		t.Cleanup(func() {
			require.NoError(t, transport.Close())
		})
		return transport, types.GenNodeKey()
	}
}

func TestTCPTransport_MaxMessageSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	small := p2p.NewTCPTransport(log.NewNopLogger(), p2p.TCPTransportOptions{MaxMessageSize: 16})
	require.NoError(t, small.Listen("127.0.0.1:0"))
	defer small.Close()
	big := p2p.NewTCPTransport(log.NewNopLogger(), p2p.TCPTransportOptions{MaxMessageSize: 1 << 20})
	require.NoError(t, big.Listen("127.0.0.1:0"))
	defer big.Close()

	smallKey := types.GenNodeKey()
	out, in := dialAccept(ctx, t, big, small, smallKey)
	defer out.Close()
	defer in.Close()

	require.NoError(t, out.SendMessage(ctx, make([]byte, 64)))
	_, err := in.ReceiveMessage(ctx)
	require.ErrorIs(t, err, p2p.ErrProtocolViolation)

	require.Error(t, in.SendMessage(ctx, make([]byte, 64)), "oversized frames are refused on send")
}

func TestTCPTransport_DialWrongProtocol(t *testing.T) {
	transport := p2p.NewTCPTransport(log.NewNopLogger(), p2p.TCPTransportOptions{})
	key := types.GenNodeKey()
	_, err := transport.Dial(context.Background(), p2p.NodeAddress{
		NodeID:   key.ID,
		Protocol: p2p.MemoryProtocol,
		Addr:     string(key.ID),
	})
	require.Error(t, err)
}
