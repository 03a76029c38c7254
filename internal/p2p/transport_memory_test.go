package p2p_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// Transports are mainly tested by common tests in transport_test.go, we
// register a transport factory here to get included in those tests.
func init() {
	var network *p2p.MemoryNetwork // shared by transports in the same test

	testTransports["memory"] = func(t *testing.T) (p2p.Transport, types.NodeKey) {
		if network == nil {
			network = p2p.NewMemoryNetwork(log.NewNopLogger(), 1)
		}
		nodeKey := types.GenNodeKey()
		transport := network.CreateTransport(nodeKey.ID)

		t.Cleanup(func() {
			require.NoError(t, transport.Close())
			network = nil // set up a new memory network for the next test
		})

		return transport, nodeKey
	}
}

func TestMemoryNetwork(t *testing.T) {
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), 1)
	key := types.GenNodeKey()
	transport := network.CreateTransport(key.ID)

	require.Equal(t, 1, network.Size())
	require.Equal(t, transport, network.GetTransport(key.ID))
	require.Equal(t, string(key.ID), transport.Endpoint())
	require.Panics(t, func() { network.CreateTransport(key.ID) })

	network.RemoveTransport(key.ID)
	require.Equal(t, 0, network.Size())
	require.Nil(t, network.GetTransport(key.ID))
}
