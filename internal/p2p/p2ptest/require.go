package p2ptest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
)

// RequireEmpty requires that no message is waiting on the nodes' inbound
// channels.
func RequireEmpty(t *testing.T, nodes ...*Node) {
	for _, node := range nodes {
		select {
		case e := <-node.Router.Inbound():
			require.Fail(t, "unexpected message", "node %v should have no messages, got %v", node.NodeID, e)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// RequireReceive requires that the given envelope is received by the node.
func RequireReceive(t *testing.T, node *Node, expect p2p.Envelope) {
	timer := time.NewTimer(time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	select {
	case e := <-node.Router.Inbound():
		require.Equal(t, expect, e)
	case <-timer.C:
		require.Fail(t, "timed out waiting for message", "%v on node %v", expect, node.NodeID)
	}
}

// RequireReceiveUnordered requires that the given envelopes are all
// received by the node, ignoring order.
func RequireReceiveUnordered(t *testing.T, node *Node, expect []p2p.Envelope) {
	timer := time.NewTimer(time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	actual := []p2p.Envelope{}
	for {
		select {
		case e := <-node.Router.Inbound():
			actual = append(actual, e)
			if len(actual) == len(expect) {
				require.ElementsMatch(t, expect, actual)
				return
			}
		case <-timer.C:
			require.ElementsMatch(t, expect, actual)
			return
		}
	}
}

// RequireSend requires that the given envelope is queued by the node.
func RequireSend(ctx context.Context, t *testing.T, node *Node, envelope p2p.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, node.Router.Send(ctx, envelope))
}

// RequireNoUpdates requires that a PeerUpdates subscription is empty.
func RequireNoUpdates(t *testing.T, peerUpdates *p2p.PeerUpdates) {
	t.Helper()
	select {
	case update := <-peerUpdates.Updates():
		require.Fail(t, "unexpected peer updates", "got %v", update)
	default:
	}
}

// RequireUpdate requires that a PeerUpdates subscription yields the given
// update.
func RequireUpdate(t *testing.T, peerUpdates *p2p.PeerUpdates, expect p2p.PeerUpdate) {
	timer := time.NewTimer(time.Second) // not time.After due to goroutine leaks
	defer timer.Stop()

	select {
	case update := <-peerUpdates.Updates():
		require.Equal(t, expect.NodeID, update.NodeID, "node id did not match")
		require.Equal(t, expect.Status, update.Status, "statuses did not match")
	case <-peerUpdates.Done():
		require.Fail(t, "peer updates subscription is closed")
	case <-timer.C:
		require.Fail(t, "timed out waiting for peer update", "expected %v", expect)
	}
}
