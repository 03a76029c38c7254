package blocksync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

func testSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		MaxInFlight:       8,
		MaxPerPeer:        2,
		RetryBudget:       2,
		Timeout:           time.Second,
		HeadersPerRequest: 4,
		BodiesPerRequest:  4,
	}
}

func newTestScheduler(opts SchedulerOptions) (*Scheduler, *clock.Mock) {
	clk := clock.NewMock()
	return NewScheduler(log.NewNopLogger(), NopMetrics(), clk, opts), clk
}

// peerInfo returns a peer claiming a head at height with weight, in a
// deterministic order of node IDs.
func peerInfo(n int, height, weight uint64) p2p.PeerInfo {
	return p2p.PeerInfo{
		NodeID:       types.NodeID(fmt.Sprintf("%040x", n)),
		Capabilities: p2p.AllCapabilities(),
		BestHead:     types.Head{Height: height, Weight: types.NewWeight(weight)},
		State:        p2p.SessionIdle,
	}
}

func TestScheduler_RequestHeadersSplitsAndSkipsCovered(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	target := types.Head{Height: 20, Weight: types.NewWeight(200)}

	assert.Equal(t, 3, s.RequestHeaders(target, 1, 10))
	assert.Equal(t, 1, s.RequestHeaders(target, 5, 12), "only 11-12 are new")

	var got []string
	for _, tk := range s.Schedule([]p2p.PeerInfo{
		peerInfo(1, 20, 200), peerInfo(2, 20, 200), peerInfo(3, 20, 200),
	}) {
		got = append(got, tk.Work.String())
	}
	assert.Equal(t, []string{"headers{1-4}", "headers{5-8}", "headers{9-10}", "headers{11-12}"}, got)
}

func TestScheduler_NoDoubleAssignment(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := testSchedulerOptions()
		opts.MaxInFlight = rapid.IntRange(1, 16).Draw(t, "maxInFlight").(int)
		s, clk := newTestScheduler(opts)

		var peers []p2p.PeerInfo
		for i := rapid.IntRange(1, 5).Draw(t, "peers").(int); i > 0; i-- {
			peers = append(peers, peerInfo(i, 100, 1000))
		}
		target := types.Head{Height: 100, Weight: types.NewWeight(1000)}

		for i := rapid.IntRange(1, 30).Draw(t, "rounds").(int); i > 0; i-- {
			switch rapid.IntRange(0, 3).Draw(t, "op").(int) {
			case 0:
				from := rapid.Uint64Range(1, 90).Draw(t, "from").(uint64)
				s.RequestHeaders(target, from, from+rapid.Uint64Range(0, 10).Draw(t, "len").(uint64))
			case 1:
				s.Schedule(peers)
			case 2:
				if tickets := s.Tickets(); len(tickets) > 0 {
					tk := tickets[rapid.IntRange(0, len(tickets)-1).Draw(t, "ticket").(int)]
					_, err := s.Fulfill(tk.Peer, tk.ID)
					if err != nil {
						t.Fatalf("fulfill: %v", err)
					}
				}
			case 3:
				clk.Add(opts.Timeout)
				s.Sweep()
			}

			if s.InFlight() > opts.MaxInFlight {
				t.Fatalf("%d tickets in flight, cap %d", s.InFlight(), opts.MaxInFlight)
			}
			seen := make(map[uint64]TicketID)
			for _, tk := range s.Tickets() {
				for h := tk.Work.From; h <= tk.Work.To; h++ {
					if other, ok := seen[h]; ok {
						t.Fatalf("height %d assigned to tickets %d and %d", h, other, tk.ID)
					}
					seen[h] = tk.ID
				}
			}
		}
	})
}

func TestScheduler_PerPeerCap(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 40)

	tickets := s.Schedule([]p2p.PeerInfo{peerInfo(1, 40, 400)})
	assert.Len(t, tickets, 2)
	assert.Equal(t, 2, s.Outstanding(tickets[0].Peer))

	// a second peer takes up to its own cap, within the global cap
	tickets = s.Schedule([]p2p.PeerInfo{peerInfo(1, 40, 400), peerInfo(2, 40, 400)})
	assert.Len(t, tickets, 2)
	assert.Equal(t, 4, s.InFlight())
}

func TestScheduler_TieBreak(t *testing.T) {
	s, clk := newTestScheduler(testSchedulerOptions())
	target := types.Head{Height: 40, Weight: types.NewWeight(400)}

	low, high := peerInfo(1, 40, 400), peerInfo(2, 40, 400)
	high.Score = 5
	s.RequestHeaders(target, 1, 4)
	tickets := s.Schedule([]p2p.PeerInfo{low, high})
	require.Len(t, tickets, 1)
	assert.Equal(t, high.NodeID, tickets[0].Peer, "higher score wins")

	// equal score and budget: the peer idle the longest gets the work
	a, b := peerInfo(3, 40, 400), peerInfo(4, 40, 400)
	s.RequestHeaders(target, 5, 8)
	tickets = s.Schedule([]p2p.PeerInfo{a, b})
	require.Len(t, tickets, 1)
	assert.Equal(t, a.NodeID, tickets[0].Peer, "node ID breaks the final tie")
	_, err := s.Fulfill(a.NodeID, tickets[0].ID)
	require.NoError(t, err)

	clk.Add(time.Millisecond)
	s.RequestHeaders(target, 9, 12)
	tickets = s.Schedule([]p2p.PeerInfo{a, b})
	require.Len(t, tickets, 1)
	assert.Equal(t, b.NodeID, tickets[0].Peer)
}

func TestScheduler_ServableBy(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)

	lighter := peerInfo(1, 40, 399)
	shorter := peerInfo(2, 3, 1000)
	noHeaders := peerInfo(3, 40, 400)
	noHeaders.Capabilities = p2p.NewCapabilitySet(p2p.CapBodies)
	busy := peerInfo(4, 40, 400)
	busy.State = p2p.SessionDisconnected

	assert.Empty(t, s.Schedule([]p2p.PeerInfo{lighter, shorter, noHeaders, busy}))
	assert.True(t, s.HasWork(PurposeHeaders))
}

func TestScheduler_PurposeOrder(t *testing.T) {
	opts := testSchedulerOptions()
	opts.MaxPerPeer = 10
	s, _ := newTestScheduler(opts)
	peer := peerInfo(1, 40, 400)
	blocks := factory.Chain(4, 10)

	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 5, 8)
	s.RequestBodies(factory.Headers(blocks[1:]))
	s.RequestAncestor(blocks[4].Hash(), 4, 2)
	s.RequestProbe(peer.NodeID, 3)

	var purposes []Purpose
	for _, tk := range s.Schedule([]p2p.PeerInfo{peer}) {
		purposes = append(purposes, tk.Work.Purpose)
	}
	assert.Equal(t, []Purpose{PurposeProbe, PurposeAncestor, PurposeBodies, PurposeHeaders}, purposes)
}

func TestScheduler_Throttle(t *testing.T) {
	opts := testSchedulerOptions()
	opts.MaxPerPeer = 8
	s, _ := newTestScheduler(opts)
	peer := peerInfo(1, 40, 400)

	s.SetThrottle(0.75)
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 40)
	s.RequestProbe(peer.NodeID, 3)

	tickets := s.Schedule([]p2p.PeerInfo{peer})
	require.Len(t, tickets, 3, "one probe and 8*(1-0.75) header ranges")
	assert.Equal(t, PurposeProbe, tickets[0].Work.Purpose)

	s.SetThrottle(7)
	assert.Equal(t, 1.0, s.Throttle())
	assert.Empty(t, s.Schedule([]p2p.PeerInfo{peer}))

	// a full queue drains through bodies and ancestor walks, so those
	// are never withheld
	blocks := factory.Chain(4, 10)
	s.RequestBodies(factory.Headers(blocks[1:]))
	s.RequestAncestor(blocks[4].Hash(), 4, 2)
	var purposes []Purpose
	for _, tk := range s.Schedule([]p2p.PeerInfo{peer}) {
		purposes = append(purposes, tk.Work.Purpose)
	}
	assert.Equal(t, []Purpose{PurposeAncestor, PurposeBodies}, purposes)
}

func TestScheduler_TimeoutRetriesElsewhereThenStalls(t *testing.T) {
	s, clk := newTestScheduler(testSchedulerOptions())
	a, b := peerInfo(1, 40, 400), peerInfo(2, 40, 400)
	peers := []p2p.PeerInfo{a, b}
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)

	first := s.Schedule(peers)
	require.Len(t, first, 1)

	clk.Add(time.Second)
	expired := s.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, first[0].ID, expired[0].ID)
	assert.InDelta(t, 0.8, s.Responsiveness(first[0].Peer), 1e-9)

	second := s.Schedule(peers)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].Peer, second[0].Peer)

	// the late answer to the first ticket is recognized
	_, err := s.Fulfill(first[0].Peer, first[0].ID)
	assert.True(t, errors.Is(err, ErrLateResponse))

	clk.Add(time.Second)
	s.Sweep()
	assert.Empty(t, s.Schedule(peers))
	stalled := s.Stalled()
	require.Len(t, stalled, 1)
	assert.Equal(t, uint64(1), stalled[0].From)

	// a fresh peer can still pick up stalled work
	third := s.Schedule(append(peers, peerInfo(3, 40, 400)))
	require.Len(t, third, 1)
	assert.Equal(t, peerInfo(3, 40, 400).NodeID, third[0].Peer)
}

func TestScheduler_FulfillUnsolicited(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)
	tickets := s.Schedule([]p2p.PeerInfo{peerInfo(1, 40, 400)})
	require.Len(t, tickets, 1)

	_, err := s.Fulfill(peerInfo(2, 40, 400).NodeID, tickets[0].ID)
	assert.True(t, errors.Is(err, ErrUnsolicited), "wrong peer")
	_, err = s.Fulfill(tickets[0].Peer, 1234)
	assert.True(t, errors.Is(err, ErrUnsolicited), "unknown id")

	tk, err := s.Fulfill(tickets[0].Peer, tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, tickets[0], tk)
	assert.Zero(t, s.InFlight())
	assert.False(t, s.HasWork(PurposeHeaders))
}

func TestScheduler_RemovePeer(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	a, b := peerInfo(1, 40, 400), peerInfo(2, 40, 400)
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)
	s.RequestProbe(a.NodeID, 7)

	tickets := s.Schedule([]p2p.PeerInfo{a})
	require.Len(t, tickets, 2)

	dropped := s.RemovePeer(a.NodeID)
	require.Len(t, dropped, 1)
	assert.Equal(t, PurposeProbe, dropped[0].Purpose)
	assert.Zero(t, s.InFlight())

	tickets = s.Schedule([]p2p.PeerInfo{b})
	require.Len(t, tickets, 1)
	assert.Equal(t, b.NodeID, tickets[0].Peer)
	assert.Equal(t, 0, tickets[0].Attempt, "disconnects do not count as failures")
}

func TestScheduler_RetryAndCancel(t *testing.T) {
	s, _ := newTestScheduler(testSchedulerOptions())
	peer := peerInfo(1, 40, 400)
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)

	tickets := s.Schedule([]p2p.PeerInfo{peer})
	require.Len(t, tickets, 1)
	tk, err := s.Fulfill(peer.NodeID, tickets[0].ID)
	require.NoError(t, err)

	rest := tk.Work
	rest.From = 3
	s.Retry(tk, rest, false)
	tickets = s.Schedule([]p2p.PeerInfo{peer})
	require.Len(t, tickets, 1)
	assert.Equal(t, "headers{3-4}", tickets[0].Work.String())

	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 10, 12)
	s.Cancel(PurposeHeaders, func(w Work) bool { return w.From == 10 })
	assert.Equal(t, 1, s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 10, 12),
		"cancelled heights are no longer covered")
}

func TestScheduler_RetryKeepsFailedPeers(t *testing.T) {
	s, clk := newTestScheduler(testSchedulerOptions())
	a, b := peerInfo(1, 40, 400), peerInfo(2, 40, 400)
	peers := []p2p.PeerInfo{a, b}
	s.RequestHeaders(types.Head{Height: 40, Weight: types.NewWeight(400)}, 1, 4)

	first := s.Schedule(peers)
	require.Len(t, first, 1)
	clk.Add(time.Second)
	require.Len(t, s.Sweep(), 1)

	second := s.Schedule(peers)
	require.Len(t, second, 1)
	require.NotEqual(t, first[0].Peer, second[0].Peer)

	// the second peer answers with nothing useful
	tk, err := s.Fulfill(second[0].Peer, second[0].ID)
	require.NoError(t, err)
	s.Retry(tk, tk.Work, true)

	// both peers have failed it and the budget is spent
	assert.Empty(t, s.Schedule(peers), "a peer that timed out earlier is not asked again")
	require.Len(t, s.Stalled(), 1)

	c := peerInfo(3, 40, 400)
	third := s.Schedule(append(peers, c))
	require.Len(t, third, 1)
	assert.Equal(t, c.NodeID, third[0].Peer)
	assert.Equal(t, 2, third[0].Attempt)
}
