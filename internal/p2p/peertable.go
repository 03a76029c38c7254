package p2p

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// PeerStatus is a peer status carried by peer updates.
type PeerStatus string

const (
	PeerStatusUp     PeerStatus = "up"     // connected and ready
	PeerStatusDown   PeerStatus = "down"   // disconnected
	PeerStatusBanned PeerStatus = "banned" // disconnected and refused for a while
)

// PeerScore is a numeric reliability score assigned to a peer (higher is
// better). New peers start at zero.
type PeerScore int16

const (
	MaxPeerScore PeerScore = math.MaxInt16
	MinPeerScore PeerScore = math.MinInt16
)

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	NodeID types.NodeID
	Status PeerStatus
	Reason error
}

// PeerUpdates is a peer update subscription. Publishing never blocks the
// table: updates are queued per subscriber and delivered in order.
type PeerUpdates struct {
	mtx     sync.Mutex
	pending []PeerUpdate
	wakeCh  chan struct{}
	outCh   chan PeerUpdate
	doneCh  chan struct{}
}

func newPeerUpdates() *PeerUpdates {
	return &PeerUpdates{
		wakeCh: make(chan struct{}, 1),
		outCh:  make(chan PeerUpdate),
		doneCh: make(chan struct{}),
	}
}

// Updates returns a channel for consuming peer updates.
func (pu *PeerUpdates) Updates() <-chan PeerUpdate { return pu.outCh }

// Done is closed when the subscription has ended.
func (pu *PeerUpdates) Done() <-chan struct{} { return pu.doneCh }

func (pu *PeerUpdates) push(u PeerUpdate) {
	pu.mtx.Lock()
	pu.pending = append(pu.pending, u)
	pu.mtx.Unlock()

	select {
	case pu.wakeCh <- struct{}{}:
	default:
	}
}

func (pu *PeerUpdates) pump(ctx context.Context) {
	defer close(pu.doneCh)
	for {
		pu.mtx.Lock()
		var (
			next PeerUpdate
			ok   bool
		)
		if len(pu.pending) > 0 {
			next, ok = pu.pending[0], true
			pu.pending = pu.pending[1:]
		}
		pu.mtx.Unlock()

		if !ok {
			select {
			case <-pu.wakeCh:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case pu.outCh <- next:
		case <-ctx.Done():
			return
		}
	}
}

// PeerInfo is a snapshot of a connected peer's table entry.
type PeerInfo struct {
	NodeID       types.NodeID
	Capabilities CapabilitySet
	// LatestHead is the most recent head the peer claimed.
	LatestHead types.Head
	// BestHead is the heaviest head the peer ever claimed. Rankings use it.
	BestHead    types.Head
	Score       PeerScore
	Outstanding int
	State       SessionState
	Persistent  bool
	ConnectedAt time.Time
}

// PeerTableOptions specifies options for a PeerTable.
type PeerTableOptions struct {
	// ScoreFloor is the score at or below which a peer is disconnected.
	ScoreFloor PeerScore

	// BanDuration is how long a banned peer is refused.
	BanDuration time.Duration

	// MaxConnections caps connected peers. Persistent peers are exempt.
	// 0 means no limit.
	MaxConnections int

	// PersistentPeers are never refused for capacity reasons.
	PersistentPeers []types.NodeID
}

type peerEntry struct {
	session     *Session
	latest      types.Head
	best        types.Head
	score       PeerScore
	outstanding int
	persistent  bool
	connectedAt time.Time
}

func (e *peerEntry) info() PeerInfo {
	return PeerInfo{
		NodeID:       e.session.ID(),
		Capabilities: e.session.Capabilities(),
		LatestHead:   e.latest,
		BestHead:     e.best,
		Score:        e.score,
		Outstanding:  e.outstanding,
		State:        e.session.State(),
		Persistent:   e.persistent,
		ConnectedAt:  e.connectedAt,
	}
}

// PeerTable is the registry of connected peers, their claimed heads and
// their reliability scores.
type PeerTable struct {
	logger  log.Logger
	metrics *Metrics
	clock   clock.Clock
	options PeerTableOptions

	mtx        sync.Mutex
	peers      map[types.NodeID]*peerEntry
	bans       map[types.NodeID]time.Time
	persistent map[types.NodeID]bool
	subs       map[*PeerUpdates]struct{}
}

// NewPeerTable creates a new, empty peer table.
func NewPeerTable(logger log.Logger, metrics *Metrics, clk clock.Clock, options PeerTableOptions) *PeerTable {
	persistent := make(map[types.NodeID]bool, len(options.PersistentPeers))
	for _, id := range options.PersistentPeers {
		persistent[id] = true
	}
	return &PeerTable{
		logger:     logger,
		metrics:    metrics,
		clock:      clk,
		options:    options,
		peers:      make(map[types.NodeID]*peerEntry),
		bans:       make(map[types.NodeID]time.Time),
		persistent: persistent,
		subs:       make(map[*PeerUpdates]struct{}),
	}
}

// Register adds a session that completed its handshake.
func (t *PeerTable) Register(session *Session) error {
	id := session.ID()

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if until, ok := t.bans[id]; ok {
		if t.clock.Now().Before(until) {
			return fmt.Errorf("%w until %v", ErrBanned, until)
		}
		delete(t.bans, id)
	}
	if _, ok := t.peers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	if t.options.MaxConnections > 0 && len(t.peers) >= t.options.MaxConnections && !t.persistent[id] {
		return fmt.Errorf("already connected to maximum number of peers (%d)", t.options.MaxConnections)
	}

	head := session.Info().Head
	t.peers[id] = &peerEntry{
		session:     session,
		latest:      head,
		best:        head,
		persistent:  t.persistent[id],
		connectedAt: t.clock.Now(),
	}
	t.metrics.Peers.Set(float64(len(t.peers)))
	t.logger.Info("peer registered", "peer", id, "head", head, "caps", session.Capabilities())
	t.broadcastLocked(PeerUpdate{NodeID: id, Status: PeerStatusUp})
	return nil
}

// UpdateHead records a head claimed by a peer. The latest claim is always
// kept; the ranking claim moves only when the weight increases.
func (t *PeerTable) UpdateHead(id types.NodeID, head types.Head) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	e, ok := t.peers[id]
	if !ok {
		return ErrPeerNotFound
	}
	e.latest = head
	if head.Weight.Gt(e.best.Weight) {
		e.best = head
	}
	return nil
}

// BestKnownPeers returns up to n peers ordered by claimed weight
// (descending), then score (descending), then node ID.
func (t *PeerTable) BestKnownPeers(n int) []PeerInfo {
	peers := t.Peers()
	sort.Slice(peers, func(i, j int) bool {
		a, b := peers[i], peers[j]
		if c := a.BestHead.Weight.Cmp(b.BestHead.Weight); c != 0 {
			return c > 0
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.NodeID < b.NodeID
	})
	if n >= 0 && len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// Penalize lowers a peer's score. A peer whose score reaches the floor is
// disconnected.
func (t *PeerTable) Penalize(id types.NodeID, amount int, reason error) {
	t.mtx.Lock()
	e, ok := t.peers[id]
	if !ok {
		t.mtx.Unlock()
		return
	}
	e.score = clampScore(int(e.score) - amount)
	score := e.score
	t.metrics.PeerPenalties.With("peer_id", string(id)).Add(float64(amount))
	t.logger.Debug("peer penalized", "peer", id, "amount", amount, "score", score, "reason", reason)

	if score > t.options.ScoreFloor {
		t.mtx.Unlock()
		return
	}
	t.removeLocked(id, PeerStatusDown, fmt.Errorf("score %d at or below floor: %w", score, reason))
	t.mtx.Unlock()
}

// Reward raises a peer's score for useful behavior.
func (t *PeerTable) Reward(id types.NodeID, amount int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if e, ok := t.peers[id]; ok {
		e.score = clampScore(int(e.score) + amount)
	}
}

// Ban disconnects a peer and refuses it for the configured ban duration.
func (t *PeerTable) Ban(id types.NodeID, reason error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.bans[id] = t.clock.Now().Add(t.options.BanDuration)
	t.metrics.PeersBanned.Add(1)
	t.logger.Info("peer banned", "peer", id, "until", t.bans[id], "reason", reason)
	if _, ok := t.peers[id]; ok {
		t.removeLocked(id, PeerStatusBanned, reason)
		return
	}
	t.broadcastLocked(PeerUpdate{NodeID: id, Status: PeerStatusBanned, Reason: reason})
}

// IsBanned reports whether id is under an active ban.
func (t *PeerTable) IsBanned(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	until, ok := t.bans[id]
	return ok && t.clock.Now().Before(until)
}

// Remove drops a peer from the table. It is idempotent.
func (t *PeerTable) Remove(id types.NodeID, reason error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, ok := t.peers[id]; ok {
		t.removeLocked(id, PeerStatusDown, reason)
	}
}

// Unregister removes session's entry, if it is still the registered one.
// Connection teardown uses it so that a stale connection never removes a
// newer session of the same peer.
func (t *PeerTable) Unregister(session *Session, reason error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if e, ok := t.peers[session.ID()]; ok && e.session == session {
		t.removeLocked(session.ID(), PeerStatusDown, reason)
		return
	}
	session.Disconnect(reason)
}

func (t *PeerTable) removeLocked(id types.NodeID, status PeerStatus, reason error) {
	e := t.peers[id]
	delete(t.peers, id)
	e.session.Disconnect(reason)
	t.metrics.Peers.Set(float64(len(t.peers)))
	t.logger.Info("peer removed", "peer", id, "status", status, "reason", reason)
	t.broadcastLocked(PeerUpdate{NodeID: id, Status: status, Reason: reason})
}

// SetOutstanding records the number of requests in flight on a peer.
func (t *PeerTable) SetOutstanding(id types.NodeID, n int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if e, ok := t.peers[id]; ok {
		e.outstanding = n
		e.session.SetSyncing(n > 0)
	}
}

// Peer returns a snapshot of a connected peer.
func (t *PeerTable) Peer(id types.NodeID) (PeerInfo, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	e, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return e.info(), true
}

// Session returns the session of a connected peer.
func (t *PeerTable) Session(id types.NodeID) (*Session, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	e, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Peers returns snapshots of all connected peers, ordered by node ID.
func (t *PeerTable) Peers() []PeerInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	peers := make([]PeerInfo, 0, len(t.peers))
	for _, e := range t.peers {
		peers = append(peers, e.info())
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	return peers
}

// Len returns the number of connected peers.
func (t *PeerTable) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.peers)
}

// Subscribe subscribes to peer updates until ctx is canceled.
func (t *PeerTable) Subscribe(ctx context.Context) *PeerUpdates {
	sub := newPeerUpdates()

	t.mtx.Lock()
	t.subs[sub] = struct{}{}
	t.mtx.Unlock()

	go sub.pump(ctx)
	go func() {
		<-ctx.Done()
		t.mtx.Lock()
		defer t.mtx.Unlock()
		delete(t.subs, sub)
	}()
	return sub
}

// broadcastLocked queues an update for every subscriber. The caller holds
// the table lock so updates are queued in the order they happen.
func (t *PeerTable) broadcastLocked(u PeerUpdate) {
	for sub := range t.subs {
		sub.push(u)
	}
}

func clampScore(v int) PeerScore {
	switch {
	case v > int(MaxPeerScore):
		return MaxPeerScore
	case v < int(MinPeerScore):
		return MinPeerScore
	default:
		return PeerScore(v)
	}
}
