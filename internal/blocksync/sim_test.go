package blocksync

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/ledger/memledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// simPeer is a remote node answering requests from its own ledger.
type simPeer struct {
	id     types.NodeID
	ledger *memledger.Ledger

	silent       bool // never answers
	silentBodies bool // answers headers only
	tamper       func(hash types.Hash, body *types.BlockBody) *types.BlockBody
}

// simNetwork drives a Controller against simulated peers. Requests sent
// during a Step are answered by deliver, in order unless shuffle is set.
type simNetwork struct {
	t      require.TestingT
	clock  *clock.Mock
	cfg    *config.SyncConfig
	local  *memledger.Ledger
	peers  *p2p.PeerTable
	ctrl   *Controller
	info   p2p.NodeInfo
	heads  []NewHead
	remote map[types.NodeID]*simPeer

	mtx    sync.Mutex
	outbox []p2p.Envelope

	// shuffle, when set, permutes each delivery and holds some requests
	// back for one step.
	shuffle  *rand.Rand
	deferred []p2p.Envelope
}

// newTestLedger returns a ledger on the test genesis with blocks applied.
// A genesis block in blocks is skipped.
func newTestLedger(t require.TestingT, blocks []*types.Block, opts ...memledger.Option) *memledger.Ledger {
	l, err := memledger.New(dbm.NewMemDB(), factory.GenesisDoc(), opts...)
	require.NoError(t, err)
	for _, b := range blocks {
		if b.Header.IsGenesis() {
			continue
		}
		_, err := l.ValidateAndApply(context.Background(), b)
		require.NoError(t, err)
	}
	return l
}

func newSimNetwork(t require.TestingT, cfg *config.SyncConfig, local *memledger.Ledger) *simNetwork {
	clk := clock.NewMock()
	clk.Set(time.Now())

	s := &simNetwork{
		t:      t,
		clock:  clk,
		cfg:    cfg,
		local:  local,
		remote: make(map[types.NodeID]*simPeer),
		info: p2p.NodeInfo{
			NodeID:          types.GenNodeKey().ID,
			ProtocolVersion: p2p.ProtocolVersion,
			NetworkID:       factory.GenesisDoc().NetworkID,
			Genesis:         local.Genesis().Hash(),
			Capabilities:    p2p.AllCapabilities(),
			Head:            local.CanonicalTip(),
		},
	}
	s.peers = p2p.NewPeerTable(log.NewNopLogger(), p2p.NopMetrics(), clk, p2p.PeerTableOptions{
		ScoreFloor:  -100,
		BanDuration: time.Minute,
	})
	s.ctrl = NewController(log.NewNopLogger(), cfg, local, s.peers, s, clk,
		WithHeadListener(func(nh NewHead) { s.heads = append(s.heads, nh) }))
	return s
}

// addPeer connects a peer holding blocks.
func (s *simNetwork) addPeer(blocks []*types.Block, caps ...p2p.Capability) *simPeer {
	if len(caps) == 0 {
		caps = p2p.AllCapabilities().List()
	}
	p := &simPeer{id: types.GenNodeKey().ID, ledger: newTestLedger(s.t, blocks)}

	remote := s.info
	remote.NodeID = p.id
	remote.Capabilities = p2p.NewCapabilitySet(caps...)
	remote.Head = p.ledger.CanonicalTip()

	session := p2p.NewSession(p.id, true, time.Time{})
	require.NoError(s.t, session.BeginHandshake())
	require.NoError(s.t, session.CompleteHandshake(s.info, remote, s.clock.Now()))
	require.NoError(s.t, s.peers.Register(session))

	s.mtx.Lock()
	s.remote[p.id] = p
	s.mtx.Unlock()
	return p
}

// Send implements Sender.
func (s *simNetwork) Send(_ context.Context, envelope p2p.Envelope) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.remote[envelope.To]; !ok {
		return errors.New("unknown peer")
	}
	s.outbox = append(s.outbox, envelope)
	return nil
}

// deliver answers every request sent so far. With shuffle set, requests
// are answered in random order and a fresh request may wait one step.
func (s *simNetwork) deliver(ctx context.Context) {
	s.mtx.Lock()
	out := s.outbox
	s.outbox = nil
	s.mtx.Unlock()

	if s.shuffle != nil {
		var held []p2p.Envelope
		fresh := out
		out = s.deferred
		for _, e := range fresh {
			if s.shuffle.Intn(3) == 0 {
				held = append(held, e)
				continue
			}
			out = append(out, e)
		}
		s.deferred = held
		s.shuffle.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}

	for _, e := range out {
		p := s.remote[e.To]
		if p.silent {
			continue
		}
		switch msg := e.Message.(type) {
		case *p2p.GetHeaders:
			_ = s.ctrl.HandleHeaders(ctx, p.id, ServeHeaders(p.ledger, msg))
		case *p2p.GetBodies:
			if p.silentBodies {
				continue
			}
			resp := ServeBodies(p.ledger, msg)
			if p.tamper != nil {
				for i, hash := range resp.Hashes {
					resp.Bodies[i] = p.tamper(hash, resp.Bodies[i])
				}
			}
			_ = s.ctrl.HandleBodies(ctx, p.id, resp)
		}
	}
}

// step runs one sync round and answers its requests.
func (s *simNetwork) step(ctx context.Context) {
	s.ctrl.Step(ctx)
	s.deliver(ctx)
}

// runUntil steps until done returns true, at most maxSteps times.
func (s *simNetwork) runUntil(ctx context.Context, maxSteps int, done func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		s.step(ctx)
		if done() {
			return true
		}
	}
	return false
}

func (s *simNetwork) synced(head types.Head) func() bool {
	return func() bool { return s.local.CanonicalTip().Hash == head.Hash }
}

func applied(l *memledger.Ledger, hash types.Hash) bool {
	for _, h := range l.Applied() {
		if h == hash {
			return true
		}
	}
	return false
}
