package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

const unreachableTargets = 256

// SyncState is the state of the Controller.
type SyncState int

const (
	StateIdle SyncState = iota
	StateFindingBestPeer
	StateDownloadingHeaders
	StateDownloadingBodies
	StateImporting
	StateReorganizing
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFindingBestPeer:
		return "finding_best_peer"
	case StateDownloadingHeaders:
		return "downloading_headers"
	case StateDownloadingBodies:
		return "downloading_bodies"
	case StateImporting:
		return "importing"
	case StateReorganizing:
		return "reorganizing"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Sender delivers messages to peers. The p2p Router implements it.
type Sender interface {
	Send(ctx context.Context, envelope p2p.Envelope) error
}

// NewHead describes a block that became the canonical tip.
type NewHead struct {
	Head  types.Head
	Block *types.Block
	// Reverted is the number of blocks reverted right before this one was
	// applied. It is only set on the first block of a reorganization.
	Reverted int
}

// Status is a snapshot of the synchronization progress.
type Status struct {
	State          SyncState
	Tip            types.Head
	Target         types.Head
	TargetPeer     types.NodeID
	ConnectedPeers int
	InFlight       int
	Queued         map[Stage]int
	Stalled        []Work
	Throttle       float64
}

// IsStalled reports whether some work could not be supplied by any peer.
func (s Status) IsStalled() bool { return len(s.Stalled) > 0 }

// ControllerOption sets an optional parameter on the Controller.
type ControllerOption func(*Controller)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = metrics }
}

// WithHeadListener registers fn to be called, in order, for every block
// that becomes the canonical tip. It runs under the import lock and must
// not block.
func WithHeadListener(fn func(NewHead)) ControllerOption {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

type searchPhase int

const (
	phaseFirst  searchPhase = iota // probing min(local, target) height
	phaseFloor                     // checking the deepest allowed fork point
	phaseBisect                    // binary search between lo and hi
	phaseFound                     // divergence known, downloading
)

// syncTarget is the peer head being synchronized to, and the state of the
// search for the point where its chain diverges from ours.
type syncTarget struct {
	peer  types.NodeID
	head  types.Head
	phase searchPhase
	floor uint64
	lo    uint64 // highest height known to be common
	hi    uint64 // lowest height known to differ
	probe uint64

	divergence  uint64
	requestedTo uint64
}

// Controller drives synchronization: it picks a target among the peers,
// locates the divergence point, schedules downloads and moves the canonical
// chain to the heaviest valid branch. All ChainView mutation happens under
// its import lock.
type Controller struct {
	logger  log.Logger
	cfg     *config.SyncConfig
	engine  ledger.Engine
	peers   *p2p.PeerTable
	sender  Sender
	clock   clock.Clock
	metrics *Metrics

	scheduler *Scheduler
	queue     *ImportQueue
	view      *ChainView
	listeners []func(NewHead)

	// importMtx is the global import lock: one branch is imported or
	// reorganized at a time.
	importMtx sync.Mutex

	mtx         sync.Mutex
	state       SyncState
	committing  SyncState
	target      *syncTarget
	unreachable *lru.Cache // head hash -> struct{}
}

// NewController creates a controller synchronizing engine with the peers
// of table. Requests are sent through sender.
func NewController(
	logger log.Logger,
	cfg *config.SyncConfig,
	engine ledger.Engine,
	table *p2p.PeerTable,
	sender Sender,
	clk clock.Clock,
	options ...ControllerOption,
) *Controller {
	c := &Controller{
		logger:  logger,
		cfg:     cfg,
		engine:  engine,
		peers:   table,
		sender:  sender,
		clock:   clk,
		metrics: NopMetrics(),
	}
	for _, opt := range options {
		opt(c)
	}

	unreachable, err := lru.New(unreachableTargets)
	if err != nil {
		panic(err)
	}
	c.unreachable = unreachable
	c.scheduler = NewScheduler(logger.With("module", "scheduler"), c.metrics, clk, SchedulerOptions{
		MaxInFlight:       cfg.MaxRequestsInFlight,
		MaxPerPeer:        cfg.MaxRequestsPerPeer,
		RetryBudget:       cfg.RetryBudget,
		Timeout:           cfg.RequestTimeout,
		HeadersPerRequest: cfg.HeadersPerRequest,
		BodiesPerRequest:  cfg.BodiesPerRequest,
	})
	c.queue = NewImportQueue(logger.With("module", "queue"), c.metrics, clk, engine, ImportQueueOptions{
		MaxPending:     cfg.MaxPendingBlocks,
		MaxParkedDepth: cfg.MaxParkedDepth,
		GracePeriod:    cfg.BannedSourceGracePeriod,
	})
	c.view = NewChainView(engine.CanonicalTip(), cfg.MaxAlternativeTips)
	c.metrics.Height.Set(float64(c.view.Tip().Height))
	return c
}

// Scheduler returns the request scheduler.
func (c *Controller) Scheduler() *Scheduler { return c.scheduler }

// Queue returns the import queue.
func (c *Controller) Queue() *ImportQueue { return c.queue }

// View returns the chain view.
func (c *Controller) View() *ChainView { return c.view }

// Status returns a snapshot of the synchronization progress.
func (c *Controller) Status() Status {
	c.mtx.Lock()
	st := Status{State: c.state}
	if c.committing != StateIdle {
		st.State = c.committing
	}
	if c.target != nil {
		st.Target = c.target.head
		st.TargetPeer = c.target.peer
	}
	c.mtx.Unlock()

	st.Tip = c.view.Tip()
	st.ConnectedPeers = c.peers.Len()
	st.InFlight = c.scheduler.InFlight()
	st.Queued = c.queue.Sizes()
	st.Stalled = c.scheduler.Stalled()
	st.Throttle = c.scheduler.Throttle()
	return st
}

// Step runs one round of the synchronization loop: it sweeps expired
// requests, picks or follows the sync target, issues requests and imports
// whatever is ready.
func (c *Controller) Step(ctx context.Context) {
	c.sweep()
	if dropped := c.queue.ExpireOrphans(); len(dropped) > 0 {
		c.logger.Info("dropped blocks of banned peers", "blocks", len(dropped))
		c.onDiscard(dropped)
	}

	saturated := c.engine.IsSaturated()
	if saturated {
		c.scheduler.SetThrottle(1)
	} else {
		c.scheduler.SetThrottle(c.queue.FillRatio())
	}

	c.mtx.Lock()
	c.advanceLocked()
	c.mtx.Unlock()

	if headers := c.queue.NeedBodies(); len(headers) > 0 {
		c.scheduler.RequestBodies(headers)
	}
	for _, m := range c.queue.MissingAncestors() {
		c.scheduler.RequestAncestor(m.Hash, m.Height, m.Depth)
	}
	c.dispatch(ctx)

	if !saturated {
		c.commit(ctx)
	}

	c.mtx.Lock()
	c.updateStateLocked()
	c.mtx.Unlock()
}

// sweep penalizes the peers of expired tickets. Their work was requeued by
// the scheduler.
func (c *Controller) sweep() {
	for _, t := range c.scheduler.Sweep() {
		c.peers.Penalize(t.Peer, c.cfg.TimeoutPenalty, fmt.Errorf("%w: %v", p2p.ErrTimeout, t.Work))
		exhausted := t.Attempt+1 >= c.cfg.RetryBudget

		switch t.Work.Purpose {
		case PurposeProbe:
			if exhausted {
				c.mtx.Lock()
				if c.target != nil && c.target.peer == t.Peer {
					c.dropTargetLocked("divergence probe timed out")
				}
				c.mtx.Unlock()
			}
		case PurposeAncestor:
			if exhausted {
				c.abandonAncestor(t.Work.Hashes[0])
			}
		}
	}
}

// abandonAncestor stops looking for a missing parent and drops the blocks
// parked on it.
func (c *Controller) abandonAncestor(hash types.Hash) {
	c.scheduler.Cancel(PurposeAncestor, func(w Work) bool { return w.Hashes[0] == hash })
	// hash itself is not queued; this drops the chain parked on it
	if dropped := c.queue.Discard(hash, "unreachable"); len(dropped) > 0 {
		c.logger.Debug("dropped blocks with unavailable ancestor", "parent", hash.Short(), "blocks", len(dropped))
	}
}

// advanceLocked moves the target selection and divergence search forward.
func (c *Controller) advanceLocked() {
	tip := c.view.Tip()

	if t := c.target; t != nil {
		info, ok := c.peers.Peer(t.peer)
		switch {
		case !ok:
			c.dropTargetLocked("target peer disconnected")
		case !t.head.Weight.Gt(tip.Weight):
			c.logger.Info("reached sync target", "target", t.head, "tip", tip)
			c.clearTargetLocked()
		case info.BestHead.Weight.Gt(t.head.Weight):
			// the target peer moved on; follow it
			t.head = info.BestHead
		}
	}

	if c.target == nil {
		c.findTargetLocked(tip)
		return
	}
	c.requestRangeLocked()
}

// requestRangeLocked requests the next headers on the way to the target.
// Heights are handed out only while the queue can take them: blocks queued
// plus heights requested never exceed the window, so headers arriving in
// any order find room, no parked chain outgrows the parked depth and the
// queue keeps draining.
func (c *Controller) requestRangeLocked() {
	t := c.target
	if t == nil || t.phase != phaseFound || t.requestedTo >= t.head.Height {
		return
	}
	window := c.cfg.MaxPendingBlocks
	if c.cfg.MaxParkedDepth < window {
		window = c.cfg.MaxParkedDepth
	}
	room := window - c.queue.Len() - c.scheduler.Covered(PurposeHeaders)
	if room <= 0 {
		return
	}
	to := t.head.Height
	if uint64(room) < to-t.requestedTo {
		to = t.requestedTo + uint64(room)
	}
	c.scheduler.RequestHeaders(t.head, t.requestedTo+1, to)
	t.requestedTo = to
}

func (c *Controller) findTargetLocked(tip types.Head) {
	for _, p := range c.peers.BestKnownPeers(-1) {
		if !p.BestHead.Weight.Gt(tip.Weight) {
			break
		}
		if !p.Capabilities.Has(p2p.CapHeaders) || c.unreachable.Contains(p.BestHead.Hash) {
			continue
		}
		c.target = &syncTarget{peer: p.NodeID, head: p.BestHead}
		c.logger.Info("selected sync target", "peer", p.NodeID, "head", p.BestHead, "tip", tip)
		c.metrics.TargetHeight.Set(float64(p.BestHead.Height))
		c.startSearchLocked(tip)
		return
	}
}

// startSearchLocked begins locating the divergence point by probing the
// target for the header at min(local, target) height.
func (c *Controller) startSearchLocked(tip types.Head) {
	t := c.target
	t.phase = phaseFirst
	t.probe = tip.Height
	if t.head.Height < t.probe {
		t.probe = t.head.Height
	}
	if tip.Height > c.cfg.MaxReorgDepth {
		t.floor = tip.Height - c.cfg.MaxReorgDepth
	}
	c.scheduler.Cancel(PurposeProbe, nil)
	c.scheduler.RequestProbe(t.peer, t.probe)
}

// restartSearchLocked looks for the divergence point again, after blocks on
// the way to the target were discarded.
func (c *Controller) restartSearchLocked() {
	if c.target == nil {
		return
	}
	c.scheduler.Cancel(PurposeHeaders, nil)
	c.startSearchLocked(c.view.Tip())
}

func (c *Controller) dropTargetLocked(reason string) {
	c.logger.Info("dropping sync target", "peer", c.target.peer, "head", c.target.head, "reason", reason)
	c.clearTargetLocked()
}

func (c *Controller) clearTargetLocked() {
	c.target = nil
	c.scheduler.Cancel(PurposeProbe, nil)
	c.scheduler.Cancel(PurposeHeaders, nil)
	c.metrics.TargetHeight.Set(0)
}

// onProbe advances the divergence search with the result of a probe.
func (c *Controller) onProbe(height uint64, common bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	t := c.target
	if t == nil || t.phase == phaseFound || height != t.probe {
		return
	}

	switch t.phase {
	case phaseFirst:
		if common {
			c.foundLocked(height)
			return
		}
		t.hi = height
		if height <= t.floor {
			c.unreachableLocked("fork is deeper than the maximum reorg depth")
			return
		}
		if t.floor == 0 {
			// the genesis block is always common
			t.phase, t.lo = phaseBisect, 0
		} else {
			t.phase = phaseFloor
			t.probe = t.floor
			c.scheduler.RequestProbe(t.peer, t.probe)
			return
		}

	case phaseFloor:
		if !common {
			c.unreachableLocked("fork is deeper than the maximum reorg depth")
			return
		}
		t.phase, t.lo = phaseBisect, height

	case phaseBisect:
		if common {
			t.lo = height
		} else {
			t.hi = height
		}
	}

	if t.hi-t.lo <= 1 {
		c.foundLocked(t.lo)
		return
	}
	t.probe = t.lo + (t.hi-t.lo)/2
	c.scheduler.RequestProbe(t.peer, t.probe)
}

func (c *Controller) unreachableLocked(reason string) {
	c.unreachable.Add(c.target.head.Hash, struct{}{})
	c.dropTargetLocked(reason)
}

func (c *Controller) foundLocked(divergence uint64) {
	t := c.target
	t.phase = phaseFound
	t.divergence = divergence
	t.requestedTo = divergence
	c.logger.Info("found divergence point", "peer", t.peer, "height", divergence, "target", t.head)
	c.requestRangeLocked()
}

// dispatch assigns pending work to peers and sends the requests.
func (c *Controller) dispatch(ctx context.Context) {
	peers := c.peers.Peers()
	for _, t := range c.scheduler.Schedule(peers) {
		err := c.sender.Send(ctx, p2p.Envelope{To: t.Peer, Message: requestMessage(t)})
		if err != nil {
			c.logger.Debug("failed to send request", "peer", t.Peer, "work", t.Work, "err", err)
			c.scheduler.Release(t.ID)
		}
	}
	for _, p := range peers {
		c.peers.SetOutstanding(p.NodeID, c.scheduler.Outstanding(p.NodeID))
	}
}

func requestMessage(t Ticket) p2p.Message {
	id := uint64(t.ID)
	switch t.Work.Purpose {
	case PurposeBodies:
		return &p2p.GetBodies{RequestID: id, Hashes: t.Work.Hashes}
	case PurposeAncestor:
		return &p2p.GetHeaders{
			RequestID:  id,
			OriginHash: t.Work.Hashes[0],
			Amount:     uint32(t.Work.Amount()),
			Reverse:    true,
		}
	default:
		return &p2p.GetHeaders{
			RequestID:    id,
			OriginHeight: t.Work.From,
			Amount:       uint32(t.Work.Amount()),
		}
	}
}

// HandleStatus records a head claimed by a peer.
func (c *Controller) HandleStatus(from types.NodeID, msg *p2p.Status) {
	if err := c.peers.UpdateHead(from, msg.Head); err != nil {
		c.logger.Debug("status from unknown peer", "peer", from, "err", err)
	}
}

// HandleNewBlock records an announced head. If the announced block builds
// on something we know it is fetched right away, without waiting for a
// divergence search.
func (c *Controller) HandleNewBlock(from types.NodeID, msg *p2p.NewBlockAnnouncement) {
	if err := c.peers.UpdateHead(from, msg.Head); err != nil {
		return
	}
	head := msg.Head
	if !head.Weight.Gt(c.view.Tip().Weight) || c.engine.HasBlock(head.Hash) || c.queue.Has(head.Hash) {
		return
	}
	if c.engine.HasBlock(msg.ParentHash) || c.queue.Has(msg.ParentHash) {
		c.scheduler.RequestAncestor(head.Hash, head.Height, 1)
	}
}

// HandleHeaders processes a Headers response.
func (c *Controller) HandleHeaders(ctx context.Context, from types.NodeID, msg *p2p.Headers) error {
	t, err := c.fulfill(from, msg.RequestID)
	if err != nil || t == nil {
		return err
	}

	switch t.Work.Purpose {
	case PurposeProbe:
		return c.handleProbe(from, *t, msg.Headers)
	case PurposeHeaders:
		return c.handleRange(ctx, from, *t, msg.Headers)
	case PurposeAncestor:
		return c.handleAncestors(ctx, from, *t, msg.Headers)
	default:
		c.scheduler.Retry(*t, t.Work, true)
		return c.misbehaved(from, p2p.ProtocolError("headers in response to a %v request", t.Work.Purpose))
	}
}

// fulfill resolves the ticket a response answers. Late responses yield a
// nil ticket and no error.
func (c *Controller) fulfill(from types.NodeID, requestID uint64) (*Ticket, error) {
	t, err := c.scheduler.Fulfill(from, TicketID(requestID))
	switch {
	case errors.Is(err, ErrLateResponse):
		c.logger.Debug("dropping late response", "peer", from, "request", requestID)
		return nil, nil
	case err != nil:
		return nil, c.misbehaved(from, p2p.ProtocolError("%v", err))
	}
	return &t, nil
}

func (c *Controller) handleProbe(from types.NodeID, t Ticket, headers []*types.BlockHeader) error {
	if len(headers) != 1 || headers[0].Height != t.Work.From {
		c.mtx.Lock()
		if c.target != nil && c.target.peer == from {
			c.dropTargetLocked("peer cannot serve its claimed chain")
		}
		c.mtx.Unlock()
		return c.misbehaved(from, p2p.ProtocolError("bad probe response for height %d", t.Work.From))
	}
	h := headers[0]
	c.onProbe(h.Height, ledger.IsCanonical(c.engine, h.Hash(), h.Height))
	return nil
}

func (c *Controller) handleRange(ctx context.Context, from types.NodeID, t Ticket, headers []*types.BlockHeader) error {
	w := t.Work
	if len(headers) > w.Amount() {
		c.scheduler.Retry(t, w, true)
		return c.misbehaved(from, p2p.ProtocolError("got %d headers, asked for %d", len(headers), w.Amount()))
	}
	for i, h := range headers {
		if h.Height != w.From+uint64(i) || (i > 0 && h.ParentHash != headers[i-1].Hash()) {
			c.scheduler.Retry(t, w, true)
			return c.misbehaved(from, p2p.ProtocolError("headers are not a contiguous chain from height %d", w.From))
		}
	}
	if len(headers) == 0 {
		c.scheduler.Retry(t, w, true)
		return nil
	}

	res, err := c.queue.AddHeaders(ctx, from, headers)
	c.onDiscard(res.Dropped)
	switch {
	case errors.Is(err, ErrQueueFull):
		rest := w
		rest.From = w.From + uint64(res.Added+res.Known)
		c.scheduler.Retry(t, rest, false)
		return nil
	case errors.Is(err, ErrParkedTooDeep):
		c.logger.Debug("dropped unreachable headers", "peer", from, "work", w, "err", err)
		return nil
	case err != nil:
		return c.misbehaved(from, err)
	}

	if n := uint64(len(headers)); n < uint64(w.Amount()) {
		rest := w
		rest.From = w.From + n
		c.scheduler.Retry(t, rest, false)
	}
	c.peers.Reward(from, 1)
	return nil
}

func (c *Controller) handleAncestors(ctx context.Context, from types.NodeID, t Ticket, headers []*types.BlockHeader) error {
	w := t.Work
	if len(headers) > w.Amount() {
		c.scheduler.Retry(t, w, true)
		return c.misbehaved(from, p2p.ProtocolError("got %d headers, asked for %d", len(headers), w.Amount()))
	}
	for i, h := range headers {
		switch {
		case i == 0 && h.Hash() != w.Hashes[0]:
			c.scheduler.Retry(t, w, true)
			return c.misbehaved(from, p2p.ProtocolError("ancestor walk starts at the wrong block"))
		case i > 0 && headers[i-1].ParentHash != h.Hash():
			c.scheduler.Retry(t, w, true)
			return c.misbehaved(from, p2p.ProtocolError("ancestor walk is not a chain"))
		}
	}
	if len(headers) == 0 {
		if t.Attempt+1 >= c.cfg.RetryBudget {
			c.abandonAncestor(w.Hashes[0])
			return nil
		}
		c.scheduler.Retry(t, w, true)
		return nil
	}

	res, err := c.queue.AddHeaders(ctx, from, headers)
	c.onDiscard(res.Dropped)
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrParkedTooDeep):
		c.logger.Debug("dropped ancestor headers", "peer", from, "work", w, "err", err)
		return nil
	case err != nil:
		return c.misbehaved(from, err)
	}
	c.peers.Reward(from, 1)
	return nil
}

// HandleBodies processes a Bodies response.
func (c *Controller) HandleBodies(ctx context.Context, from types.NodeID, msg *p2p.Bodies) error {
	t, err := c.fulfill(from, msg.RequestID)
	if err != nil || t == nil {
		return err
	}
	w := t.Work
	if w.Purpose != PurposeBodies {
		c.scheduler.Retry(*t, w, true)
		return c.misbehaved(from, p2p.ProtocolError("bodies in response to a %v request", w.Purpose))
	}

	asked := make(map[types.Hash]bool, len(w.Hashes))
	for _, h := range w.Hashes {
		asked[h] = true
	}
	for _, h := range msg.Hashes {
		if !asked[h] {
			c.scheduler.Retry(*t, w, true)
			return c.misbehaved(from, p2p.ProtocolError("unrequested body %s", h.Short()))
		}
		delete(asked, h)
	}

	accepted, dropped, err := c.queue.AddBodies(from, msg.Hashes, msg.Bodies)
	c.onDiscard(dropped)

	done := make(map[types.Hash]bool, len(accepted)+len(dropped))
	for _, h := range accepted {
		done[h] = true
	}
	for _, d := range dropped {
		done[d.Hash] = true
	}
	rest := w
	rest.Hashes = nil
	for _, h := range w.Hashes {
		if !done[h] && c.queue.Has(h) {
			rest.Hashes = append(rest.Hashes, h)
		}
	}
	if len(rest.Hashes) > 0 {
		c.scheduler.Retry(*t, rest, err != nil || len(accepted) == 0)
	}

	if err != nil {
		return c.misbehaved(from, err)
	}
	if len(accepted) > 0 {
		c.peers.Reward(from, 1)
	}
	return nil
}

// misbehaved punishes a peer: invalid chain data gets it banned, anything
// else costs it the protocol penalty. The error is returned wrapped with
// the peer.
func (c *Controller) misbehaved(peer types.NodeID, err error) error {
	if types.IsInvalidData(err) {
		c.peers.Ban(peer, err)
		c.RemovePeer(peer, true)
	} else {
		c.peers.Penalize(peer, c.cfg.ProtocolPenalty, err)
	}
	return peerError{err: err, peerID: peer}
}

// onDiscard restarts the divergence search when blocks were dropped, so the
// headers on the way to the target are fetched again.
func (c *Controller) onDiscard(dropped []Discarded) {
	if len(dropped) == 0 {
		return
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.target != nil && c.target.phase == phaseFound {
		c.restartSearchLocked()
	}
}

// RemovePeer forgets a disconnected peer. Its tickets are requeued on other
// peers; if it was banned, blocks only it supplied are dropped after the
// grace period.
func (c *Controller) RemovePeer(id types.NodeID, banned bool) {
	c.scheduler.RemovePeer(id)
	if banned {
		c.queue.MarkBanned(id)
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.target != nil && c.target.peer == id {
		c.dropTargetLocked("target peer disconnected")
	}
}

func (c *Controller) setCommitting(s SyncState) {
	c.mtx.Lock()
	c.committing = s
	c.mtx.Unlock()
}

func (c *Controller) updateStateLocked() {
	prev := c.state
	switch {
	case c.target == nil:
		c.state = StateIdle
	case c.target.phase != phaseFound:
		c.state = StateFindingBestPeer
	case c.scheduler.HasWork(PurposeHeaders):
		c.state = StateDownloadingHeaders
	case c.queue.Len() > 0:
		c.state = StateDownloadingBodies
	default:
		c.state = StateImporting
	}
	if c.state != prev {
		c.logger.Debug("sync state changed", "from", prev, "to", c.state)
	}

	tip := c.view.Tip()
	c.metrics.Height.Set(float64(tip.Height))
	if c.target != nil {
		c.metrics.Syncing.Set(1)
	} else {
		c.metrics.Syncing.Set(0)
	}
	c.metrics.AlternativeTips.Set(float64(len(c.view.Alternatives())))
}

// commit adopts the heaviest ready branch if it outweighs the canonical
// tip. Lighter ready branches become alternative tips once no download is
// in progress.
func (c *Controller) commit(ctx context.Context) {
	c.importMtx.Lock()
	defer c.importMtx.Unlock()

	tip := c.view.Tip()
	for _, cand := range c.queue.ReadyTips() {
		if cand.Header.Weight.Gt(tip.Weight) {
			c.adopt(ctx, cand)
			return
		}
		if c.idle() {
			c.view.AddAlternative(cand.Header.Head())
			if branch, _, ok := c.queue.Branch(cand.Hash); ok {
				c.queue.Discard(branch[0].Hash, "lighter_branch")
			}
		}
	}
}

func (c *Controller) idle() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.target == nil && !c.scheduler.HasWork(PurposeHeaders) && !c.scheduler.HasWork(PurposeAncestor)
}

// pendingImport is a block to apply together with the peers that supplied
// it. Stored blocks being re-applied have no sources.
type pendingImport struct {
	block   *types.Block
	sources []types.NodeID
}

func (c *Controller) adopt(ctx context.Context, cand *PendingBlock) {
	branch, base, ok := c.queue.Branch(cand.Hash)
	if !ok {
		return
	}
	blocks := make([]pendingImport, 0, len(branch))
	for _, pb := range branch {
		blocks = append(blocks, pendingImport{block: pb.Block(), sources: pb.Sources})
	}

	// walk back over stored blocks of a side branch to the canonical chain
	baseHeader, ok := c.engine.Header(base)
	for ok && !ledger.IsCanonical(c.engine, base, baseHeader.Height) {
		if uint64(len(blocks)) > c.cfg.MaxReorgDepth+uint64(len(branch)) {
			ok = false
			break
		}
		b, found := c.engine.Block(base)
		if !found {
			ok = false
			break
		}
		blocks = append([]pendingImport{{block: b}}, blocks...)
		base = b.Header.ParentHash
		baseHeader, ok = c.engine.Header(base)
	}
	if !ok {
		c.logger.Error("cannot link branch to the canonical chain", "tip", cand.Header.Head(), "base", base.Short())
		c.queue.Discard(branch[0].Hash, "unlinked")
		return
	}

	if base == c.view.Tip().Hash {
		c.extend(ctx, blocks)
		return
	}
	c.reorganize(ctx, baseHeader, blocks)
}

// extend applies blocks on top of the canonical tip, moving the tip after
// each one.
func (c *Controller) extend(ctx context.Context, blocks []pendingImport) {
	c.setCommitting(StateImporting)
	defer c.setCommitting(StateIdle)

	for _, pi := range blocks {
		post, err := c.engine.ValidateAndApply(ctx, pi.block)
		if err != nil {
			c.importFailed(pi, err)
			return
		}
		c.queue.Remove(pi.block.Hash())
		c.view.setTip(post.Head, false)
		c.metrics.BlocksImported.Add(1)
		c.notify(NewHead{Head: post.Head, Block: pi.block})
	}
	c.logger.Debug("extended chain", "blocks", len(blocks), "tip", c.view.Tip())
}

// reorganize replaces the canonical blocks above base with blocks. From the
// ChainView's perspective it is all or nothing: the tip moves only once the
// whole branch is applied, and any failure leaves the previous tip in place.
func (c *Controller) reorganize(ctx context.Context, base *types.BlockHeader, blocks []pendingImport) {
	c.setCommitting(StateReorganizing)
	defer c.setCommitting(StateIdle)

	old := c.view.Tip()
	newTip := blocks[len(blocks)-1].block.Header.Head()
	depth := old.Height - base.Height
	if depth > c.cfg.MaxReorgDepth {
		c.logger.Info("ignoring branch forking too deep", "tip", newTip, "depth", depth)
		c.unreachable.Add(newTip.Hash, struct{}{})
		c.queue.Discard(blocks[0].block.Hash(), "too_deep")
		return
	}

	oldBlocks, err := c.canonicalAbove(base.Height, old.Height)
	if err != nil {
		c.logger.Error("cannot load canonical branch", "err", err)
		return
	}

	if err := c.engine.RevertTo(ctx, base.Hash()); err != nil {
		c.metrics.RevertFailures.Add(1)
		c.logger.Error("abandoning reorganization", "from", old, "to", newTip, "err", err)
		c.unreachable.Add(newTip.Hash, struct{}{})
		c.queue.Discard(blocks[0].block.Hash(), "revert_failed")

		// the rest of the target chain builds on the same fork
		c.mtx.Lock()
		if c.target != nil {
			c.unreachableLocked("cannot revert to the fork point")
		}
		c.mtx.Unlock()
		return
	}

	for _, pi := range blocks {
		if _, err := c.engine.ValidateAndApply(ctx, pi.block); err != nil {
			c.restore(ctx, base, oldBlocks)
			c.importFailed(pi, err)
			return
		}
	}

	for _, pi := range blocks {
		c.queue.Remove(pi.block.Hash())
	}
	c.view.setTip(newTip, true)
	c.metrics.Reorgs.Add(1)
	c.metrics.ReorgDepth.Observe(float64(depth))
	c.metrics.BlocksImported.Add(float64(len(blocks)))
	c.logger.Info("reorganized chain",
		"from", old, "to", newTip, "ancestor", base.Height, "reverted", depth, "applied", len(blocks))

	for i, pi := range blocks {
		nh := NewHead{Head: pi.block.Header.Head(), Block: pi.block}
		if i == 0 {
			nh.Reverted = int(depth)
		}
		c.notify(nh)
	}
}

// canonicalAbove loads the canonical blocks in (from, to].
func (c *Controller) canonicalAbove(from, to uint64) ([]*types.Block, error) {
	blocks := make([]*types.Block, 0, to-from)
	for h := from + 1; h <= to; h++ {
		hash, ok := c.engine.CanonicalHash(h)
		if !ok {
			return nil, fmt.Errorf("no canonical block at height %d", h)
		}
		b, ok := c.engine.Block(hash)
		if !ok {
			return nil, fmt.Errorf("canonical block %s at height %d is missing", hash.Short(), h)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// restore puts the previous canonical branch back after a failed
// reorganization.
func (c *Controller) restore(ctx context.Context, base *types.BlockHeader, oldBlocks []*types.Block) {
	err := c.engine.RevertTo(ctx, base.Hash())
	for i := 0; err == nil && i < len(oldBlocks); i++ {
		_, err = c.engine.ValidateAndApply(ctx, oldBlocks[i])
	}
	if err != nil {
		// the ledger is now somewhere we did not choose; follow it
		tip := c.engine.CanonicalTip()
		c.logger.Error("failed to restore canonical branch", "tip", tip, "err", err)
		c.view.setTip(tip, false)
	}
}

// importFailed discards a block the ledger refused, with its descendants,
// and bans the peers that supplied it.
func (c *Controller) importFailed(pi pendingImport, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	hash := pi.block.Hash()
	if !types.IsInvalidData(err) {
		c.logger.Error("failed to import block", "hash", hash.Short(), "height", pi.block.Header.Height, "err", err)
		return
	}

	c.logger.Info("ledger rejected block", "hash", hash.Short(), "height", pi.block.Header.Height, "err", err)
	dropped := c.queue.Discard(hash, "rejected")
	for _, id := range pi.sources {
		c.peers.Ban(id, err)
		c.RemovePeer(id, true)
	}
	c.onDiscard(dropped)
}

func (c *Controller) notify(nh NewHead) {
	for _, fn := range c.listeners {
		fn(nh)
	}
}
