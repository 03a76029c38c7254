package p2ptest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// Network sets up an in-memory network that can be used for high-level P2P
// testing. It creates an arbitrary number of nodes that are connected to each
// other.
type Network struct {
	Nodes map[types.NodeID]*Node

	logger        log.Logger
	memoryNetwork *p2p.MemoryNetwork
	options       NetworkOptions
}

// NetworkOptions is an argument structure to parameterize the
// MakeNetwork function.
type NetworkOptions struct {
	NumNodes   int
	BufferSize int
	NodeOpts   NodeOptions
}

// NodeOptions parameterizes a node.
type NodeOptions struct {
	NetworkID    uint64
	Genesis      types.Hash
	Head         types.Head
	Capabilities p2p.CapabilitySet
	ScoreFloor   p2p.PeerScore
	BanDuration  time.Duration
	Clock        clock.Clock
}

func (opts *NetworkOptions) setDefaults() {
	if opts.BufferSize == 0 {
		opts.BufferSize = 16
	}
	opts.NodeOpts.setDefaults()
}

func (opts *NodeOptions) setDefaults() {
	if opts.NetworkID == 0 {
		opts.NetworkID = 1337
	}
	if opts.Genesis.IsZero() {
		opts.Genesis = types.Keccak256Hash([]byte("genesis"))
	}
	if opts.Capabilities == nil {
		opts.Capabilities = p2p.AllCapabilities()
	}
	if opts.ScoreFloor == 0 {
		opts.ScoreFloor = -100
	}
	if opts.BanDuration == 0 {
		opts.BanDuration = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
}

// MakeNetwork creates a test network with the given number of nodes. The
// nodes are not connected; call Start for that.
func MakeNetwork(ctx context.Context, t *testing.T, opts NetworkOptions) *Network {
	opts.setDefaults()
	logger := log.NewNopLogger()
	network := &Network{
		Nodes:         map[types.NodeID]*Node{},
		logger:        logger,
		memoryNetwork: p2p.NewMemoryNetwork(logger, opts.BufferSize),
		options:       opts,
	}
	for i := 0; i < opts.NumNodes; i++ {
		node := network.MakeNode(ctx, t, opts.NodeOpts)
		network.Nodes[node.NodeID] = node
	}
	return network
}

// Start connects every pair of nodes and waits until each node sees all
// others as up.
func (n *Network) Start(ctx context.Context, t *testing.T) {
	t.Helper()
	ids := n.NodeIDs()

	subs := make(map[types.NodeID]*p2p.PeerUpdates, len(ids))
	for _, id := range ids {
		subs[id] = n.Nodes[id].PeerTable.Subscribe(ctx)
	}

	for i, id := range ids {
		for _, peerID := range ids[i+1:] {
			n.Nodes[id].Connect(ctx, t, n.Nodes[peerID])
		}
	}

	for _, id := range ids {
		seen := map[types.NodeID]bool{}
		timer := time.NewTimer(5 * time.Second) // not time.After due to goroutine leaks
		for len(seen) < len(ids)-1 {
			select {
			case update := <-subs[id].Updates():
				if update.Status == p2p.PeerStatusUp {
					seen[update.NodeID] = true
				}
			case <-timer.C:
				require.Fail(t, "timed out waiting for peers", "node %v saw %d of %d", id, len(seen), len(ids)-1)
			}
		}
		timer.Stop()
	}
}

// NodeIDs returns the network's node IDs, sorted.
func (n *Network) NodeIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(n.Nodes))
	for id := range n.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Peers returns all nodes except the given one.
func (n *Network) Peers(id types.NodeID) []*Node {
	peers := make([]*Node, 0, len(n.Nodes)-1)
	for _, peerID := range n.NodeIDs() {
		if peerID != id {
			peers = append(peers, n.Nodes[peerID])
		}
	}
	return peers
}

// Remove removes a node from the network, stopping it.
func (n *Network) Remove(t *testing.T, id types.NodeID) {
	node, ok := n.Nodes[id]
	require.True(t, ok, "node %v not found", id)
	delete(n.Nodes, id)
	node.Stop(t)
	n.memoryNetwork.RemoveTransport(id)
}

// Node is a node in a Network, with a Router and a PeerTable.
type Node struct {
	NodeID    types.NodeID
	NodeInfo  p2p.NodeInfo
	NodeKey   types.NodeKey
	Router    *p2p.Router
	PeerTable *p2p.PeerTable
	Transport *p2p.MemoryTransport

	cancel context.CancelFunc
}

// MakeNode creates a new Node configured for the network and starts it.
// It is stopped when the test ends.
func (n *Network) MakeNode(ctx context.Context, t *testing.T, opts NodeOptions) *Node {
	opts.setDefaults()
	nodeKey := types.GenNodeKey()
	nodeInfo := p2p.NodeInfo{
		NodeID:          nodeKey.ID,
		ProtocolVersion: p2p.ProtocolVersion,
		NetworkID:       opts.NetworkID,
		Genesis:         opts.Genesis,
		Capabilities:    opts.Capabilities,
		Head:            opts.Head,
		ListenAddr:      "memory:" + string(nodeKey.ID),
		Moniker:         nodeKey.ID.Short(),
	}

	transport := n.memoryNetwork.CreateTransport(nodeKey.ID)
	peerTable := p2p.NewPeerTable(n.logger, p2p.NopMetrics(), opts.Clock, p2p.PeerTableOptions{
		ScoreFloor:  opts.ScoreFloor,
		BanDuration: opts.BanDuration,
	})
	router, err := p2p.NewRouter(
		n.logger,
		p2p.NopMetrics(),
		nodeKey,
		func() p2p.NodeInfo { return nodeInfo },
		peerTable,
		transport,
		opts.Clock,
		p2p.RouterOptions{
			HandshakeTimeout: 5 * time.Second,
			SendQueueSize:    n.options.BufferSize,
			ProtocolPenalty:  10,
		},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	require.NoError(t, router.Start(ctx))

	node := &Node{
		NodeID:    nodeKey.ID,
		NodeInfo:  nodeInfo,
		NodeKey:   nodeKey,
		Router:    router,
		PeerTable: peerTable,
		Transport: transport,
		cancel:    cancel,
	}
	t.Cleanup(func() { node.Stop(t) })
	return node
}

// Connect dials another node and waits for the handshake to complete.
func (node *Node) Connect(ctx context.Context, t *testing.T, other *Node) {
	t.Helper()
	address := p2p.NodeAddress{
		NodeID:   other.NodeID,
		Protocol: p2p.MemoryProtocol,
		Addr:     string(other.NodeID),
	}
	require.NoError(t, node.Router.Connect(ctx, address))
}

// Stop stops the node's router.
func (node *Node) Stop(t *testing.T) {
	if node.Router.IsRunning() {
		require.NoError(t, node.Router.Stop())
	}
	node.cancel()
}
