package blocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// Stage is the position of a PendingBlock in the import pipeline. Blocks
// only ever move forward.
type Stage int

const (
	StageUnverified Stage = iota
	StageStructurallyValid
	StageHeaderVerified
	StageAncestryResolved
	StageBodyVerified
	StageReadyToImport
)

var allStages = []Stage{
	StageUnverified,
	StageStructurallyValid,
	StageHeaderVerified,
	StageAncestryResolved,
	StageBodyVerified,
	StageReadyToImport,
}

func (s Stage) String() string {
	switch s {
	case StageUnverified:
		return "unverified"
	case StageStructurallyValid:
		return "structurally_valid"
	case StageHeaderVerified:
		return "header_verified"
	case StageAncestryResolved:
		return "ancestry_resolved"
	case StageBodyVerified:
		return "body_verified"
	case StageReadyToImport:
		return "ready_to_import"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// PendingBlock is a downloaded block on its way to the ledger.
type PendingBlock struct {
	Hash     types.Hash
	Header   *types.BlockHeader
	Body     *types.BlockBody
	Stage    Stage
	Sources  []types.NodeID
	Received time.Time

	bodyRequested bool
	orphanedAt    time.Time // when every source got banned
}

func (pb *PendingBlock) advance(to Stage) {
	if to <= pb.Stage {
		panic(fmt.Sprintf("block %s cannot move from %v to %v", pb.Hash.Short(), pb.Stage, to))
	}
	pb.Stage = to
}

func (pb *PendingBlock) addSource(id types.NodeID) {
	if id == "" {
		return
	}
	for _, s := range pb.Sources {
		if s == id {
			return
		}
	}
	pb.Sources = append(pb.Sources, id)
}

// Block returns the header and body as a block. The body must be known.
func (pb *PendingBlock) Block() *types.Block {
	return &types.Block{Header: *pb.Header, Body: *pb.Body}
}

func (pb *PendingBlock) copy() *PendingBlock {
	c := *pb
	c.Sources = append([]types.NodeID(nil), pb.Sources...)
	return &c
}

// Discarded describes a block dropped from the queue.
type Discarded struct {
	Hash    types.Hash
	Height  uint64
	Sources []types.NodeID
}

// Missing is a parent that parked blocks are waiting for.
type Missing struct {
	Hash   types.Hash
	Height uint64
	// Depth is how many more headers the parked chain can take before it
	// is discarded.
	Depth int
}

// AddResult summarizes an AddHeaders call.
type AddResult struct {
	Added   int
	Known   int
	Parked  int
	Dropped []Discarded
}

// ImportQueueOptions configure an ImportQueue.
type ImportQueueOptions struct {
	// MaxPending caps the number of queued blocks.
	MaxPending int

	// MaxParkedDepth caps the length of a chain parked on a missing
	// ancestor.
	MaxParkedDepth int

	// GracePeriod is how long blocks whose sources were all banned are kept.
	GracePeriod time.Duration
}

// ImportQueue is the staged verification pipeline between the network and
// the ledger. It is safe for concurrent use.
type ImportQueue struct {
	logger  log.Logger
	metrics *Metrics
	clock   clock.Clock
	engine  ledger.Engine
	options ImportQueueOptions

	mtx      sync.Mutex
	blocks   map[types.Hash]*PendingBlock
	children map[types.Hash]map[types.Hash]struct{}
	banned   map[types.NodeID]bool
}

// NewImportQueue creates an empty queue feeding engine.
func NewImportQueue(
	logger log.Logger,
	metrics *Metrics,
	clk clock.Clock,
	engine ledger.Engine,
	options ImportQueueOptions,
) *ImportQueue {
	return &ImportQueue{
		logger:   logger,
		metrics:  metrics,
		clock:    clk,
		engine:   engine,
		options:  options,
		blocks:   make(map[types.Hash]*PendingBlock),
		children: make(map[types.Hash]map[types.Hash]struct{}),
		banned:   make(map[types.NodeID]bool),
	}
}

// AddHeaders runs headers received from peer through the structural and
// header checks and queues them. Headers already queued or stored are
// skipped, apart from recording peer as a source. The first invalid header
// stops processing and is returned as an error; blocks queued before it
// stay queued.
func (q *ImportQueue) AddHeaders(ctx context.Context, from types.NodeID, headers []*types.BlockHeader) (AddResult, error) {
	var res AddResult

	sorted := append([]*types.BlockHeader(nil), headers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	defer q.updateMetrics()
	for _, h := range sorted {
		hash := h.Hash()
		if q.addSource(hash, from) || q.engine.HasBlock(hash) {
			res.Known++
			continue
		}

		pb := &PendingBlock{
			Hash:     hash,
			Header:   h,
			Stage:    StageUnverified,
			Received: q.clock.Now(),
		}
		pb.addSource(from)

		if err := h.ValidateBasic(); err != nil {
			q.metrics.DiscardedBlocks.With("reason", "malformed").Add(1)
			return res, p2p.ProtocolError("malformed header %s: %v", hash.Short(), err)
		}
		pb.advance(StageStructurallyValid)

		if err := q.engine.ValidateHeader(ctx, h); err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			q.metrics.DiscardedBlocks.With("reason", "invalid_header").Add(1)
			var invalid types.ErrInvalidHeader
			if !errors.As(err, &invalid) {
				err = types.ErrInvalidHeader{Hash: hash, Reason: err}
			}
			return res, err
		}
		pb.advance(StageHeaderVerified)

		q.mtx.Lock()
		if len(q.blocks) >= q.options.MaxPending {
			q.mtx.Unlock()
			return res, ErrQueueFull
		}
		q.insertLocked(pb)
		dropped, err := q.resolveLocked(pb)
		parked := pb.Stage == StageHeaderVerified
		q.mtx.Unlock()

		res.Dropped = append(res.Dropped, dropped...)
		if err != nil {
			return res, err
		}
		res.Added++
		if parked {
			res.Parked++
		}
	}
	return res, nil
}

// addSource records id as a source of a queued block and reports whether
// the block is queued.
func (q *ImportQueue) addSource(hash types.Hash, id types.NodeID) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	pb, ok := q.blocks[hash]
	if !ok {
		return false
	}
	pb.addSource(id)
	if !q.banned[id] {
		pb.orphanedAt = time.Time{}
	}
	return true
}

func (q *ImportQueue) insertLocked(pb *PendingBlock) {
	q.blocks[pb.Hash] = pb
	parent := pb.Header.ParentHash
	if q.children[parent] == nil {
		q.children[parent] = make(map[types.Hash]struct{})
	}
	q.children[parent][pb.Hash] = struct{}{}
}

// parentLocked returns the parent header of pb and whether the parent is
// resolved, that is stored in the ledger or queued at AncestryResolved or
// beyond.
func (q *ImportQueue) parentLocked(pb *PendingBlock) (*types.BlockHeader, bool) {
	if pp, ok := q.blocks[pb.Header.ParentHash]; ok {
		return pp.Header, pp.Stage >= StageAncestryResolved
	}
	if h, ok := q.engine.Header(pb.Header.ParentHash); ok {
		return h, true
	}
	return nil, false
}

// resolveLocked moves pb, and every parked descendant it unblocks, to
// AncestryResolved. A block whose parent is missing stays parked; a parked
// chain longer than the maximum depth is discarded.
func (q *ImportQueue) resolveLocked(pb *PendingBlock) ([]Discarded, error) {
	parent, resolved := q.parentLocked(pb)
	if !resolved {
		if depth := q.parkedDepthLocked(pb); depth > q.options.MaxParkedDepth {
			root := q.parkedRootLocked(pb)
			dropped := q.discardLocked(root.Hash, "unreachable")
			q.logger.Debug("discarding unreachable branch",
				"root", root.Hash.Short(), "height", root.Header.Height, "depth", depth)
			return dropped, fmt.Errorf("%w: %d blocks above %s", ErrParkedTooDeep, depth, root.Header.ParentHash.Short())
		}
		return nil, nil
	}

	var (
		dropped  []Discarded
		firstErr error
	)
	stack := []*PendingBlock{pb}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur != pb {
			parent, _ = q.parentLocked(cur)
		}
		if err := checkLink(cur.Header, parent); err != nil {
			dropped = append(dropped, q.discardLocked(cur.Hash, "invalid_header")...)
			if firstErr == nil {
				firstErr = types.ErrInvalidHeader{Hash: cur.Hash, Reason: err}
			}
			continue
		}
		cur.advance(StageAncestryResolved)
		if cur.Header.HasEmptyBody() {
			cur.Body = &types.BlockBody{}
			cur.advance(StageBodyVerified)
			q.promoteLocked(cur)
		}
		for child := range q.children[cur.Hash] {
			if c := q.blocks[child]; c != nil && c.Stage == StageHeaderVerified {
				stack = append(stack, c)
			}
		}
	}
	return dropped, firstErr
}

// parkedRootLocked returns the lowest parked ancestor of pb in the queue.
func (q *ImportQueue) parkedRootLocked(pb *PendingBlock) *PendingBlock {
	root := pb
	for {
		parent, ok := q.blocks[root.Header.ParentHash]
		if !ok || parent.Stage != StageHeaderVerified {
			return root
		}
		root = parent
	}
}

// parkedDepthLocked is the number of heights spanned by the parked chain
// pb belongs to.
func (q *ImportQueue) parkedDepthLocked(pb *PendingBlock) int {
	root := q.parkedRootLocked(pb)
	top := root.Header.Height
	stack := []types.Hash{root.Hash}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if b := q.blocks[cur]; b.Header.Height > top {
			top = b.Header.Height
		}
		for child := range q.children[cur] {
			if q.blocks[child] != nil {
				stack = append(stack, child)
			}
		}
	}
	return int(top-root.Header.Height) + 1
}

func checkLink(child, parent *types.BlockHeader) error {
	if child.Height != parent.Height+1 {
		return fmt.Errorf("height %d does not follow parent height %d", child.Height, parent.Height)
	}
	if want := parent.Weight.Add(child.Difficulty); want.Cmp(child.Weight) != 0 {
		return fmt.Errorf("cumulative weight %s, expected %s", child.Weight, want)
	}
	return nil
}

// NeedBodies returns the resolved blocks still lacking a body, lowest first,
// and marks them as requested.
func (q *ImportQueue) NeedBodies() []*types.BlockHeader {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var out []*types.BlockHeader
	for _, pb := range q.blocks {
		if pb.Stage == StageAncestryResolved && !pb.bodyRequested {
			pb.bodyRequested = true
			out = append(out, pb.Header)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// RequeueBody makes a block's body eligible for NeedBodies again.
func (q *ImportQueue) RequeueBody(hash types.Hash) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if pb, ok := q.blocks[hash]; ok && pb.Stage == StageAncestryResolved {
		pb.bodyRequested = false
	}
}

// AddBodies checks bodies received from peer against their headers. It
// returns the hashes it accepted. A body that does not match its header
// discards the block and its descendants and is returned as an error
// wrapping types.ErrBadBody.
func (q *ImportQueue) AddBodies(from types.NodeID, hashes []types.Hash, bodies []*types.BlockBody) ([]types.Hash, []Discarded, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	defer q.updateMetricsLocked()

	var accepted []types.Hash
	for i, hash := range hashes {
		pb, ok := q.blocks[hash]
		if !ok || pb.Stage != StageAncestryResolved {
			continue
		}
		if err := bodies[i].MatchesHeader(pb.Header); err != nil {
			dropped := q.discardLocked(hash, "bad_body")
			return accepted, dropped, fmt.Errorf("block %s: %w", hash.Short(), err)
		}
		pb.Body = bodies[i]
		pb.addSource(from)
		pb.advance(StageBodyVerified)
		q.promoteLocked(pb)
		accepted = append(accepted, hash)
	}
	return accepted, nil, nil
}

// promoteLocked moves pb to ReadyToImport if its parent is stored in the
// ledger or itself ready, and then does the same for its children.
func (q *ImportQueue) promoteLocked(pb *PendingBlock) {
	stack := []*PendingBlock{pb}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.Stage != StageBodyVerified {
			continue
		}
		parentReady := false
		if pp, ok := q.blocks[cur.Header.ParentHash]; ok {
			parentReady = pp.Stage == StageReadyToImport
		} else {
			parentReady = q.engine.HasBlock(cur.Header.ParentHash)
		}
		if !parentReady {
			continue
		}
		cur.advance(StageReadyToImport)
		for child := range q.children[cur.Hash] {
			if c := q.blocks[child]; c != nil {
				stack = append(stack, c)
			}
		}
	}
}

// ReadyTips returns the ready blocks that no other ready block builds on,
// heaviest first.
func (q *ImportQueue) ReadyTips() []*PendingBlock {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var tips []*PendingBlock
	for _, pb := range q.blocks {
		if pb.Stage != StageReadyToImport {
			continue
		}
		extended := false
		for child := range q.children[pb.Hash] {
			if c := q.blocks[child]; c != nil && c.Stage == StageReadyToImport {
				extended = true
				break
			}
		}
		if !extended {
			tips = append(tips, pb.copy())
		}
	}
	sort.Slice(tips, func(i, j int) bool {
		if c := tips[i].Header.Weight.Cmp(tips[j].Header.Weight); c != 0 {
			return c > 0
		}
		return tips[i].Received.Before(tips[j].Received)
	})
	return tips
}

// Branch returns the ready blocks from the first one not stored in the
// ledger up to tip, in ascending order, together with the hash of the
// stored block they build on.
func (q *ImportQueue) Branch(tip types.Hash) ([]*PendingBlock, types.Hash, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var branch []*PendingBlock
	cur, ok := q.blocks[tip]
	for ok {
		if cur.Stage != StageReadyToImport {
			return nil, types.Hash{}, false
		}
		branch = append(branch, cur.copy())
		var next *PendingBlock
		next, ok = q.blocks[cur.Header.ParentHash]
		if !ok {
			break
		}
		cur = next
	}
	if len(branch) == 0 {
		return nil, types.Hash{}, false
	}
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, branch[0].Header.ParentHash, true
}

// Remove drops an imported block and promotes its children, whose parent is
// now stored.
func (q *ImportQueue) Remove(hash types.Hash) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	defer q.updateMetricsLocked()

	pb, ok := q.blocks[hash]
	if !ok {
		return
	}
	q.deleteLocked(pb)
	for child := range q.children[hash] {
		if c := q.blocks[child]; c != nil {
			q.promoteLocked(c)
		}
	}
}

// Discard drops a block and every queued descendant.
func (q *ImportQueue) Discard(hash types.Hash, reason string) []Discarded {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	defer q.updateMetricsLocked()
	return q.discardLocked(hash, reason)
}

func (q *ImportQueue) discardLocked(hash types.Hash, reason string) []Discarded {
	var dropped []Discarded
	stack := []types.Hash{hash}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range q.children[cur] {
			stack = append(stack, child)
		}
		pb, ok := q.blocks[cur]
		if !ok {
			continue
		}
		q.deleteLocked(pb)
		dropped = append(dropped, Discarded{
			Hash:    pb.Hash,
			Height:  pb.Header.Height,
			Sources: append([]types.NodeID(nil), pb.Sources...),
		})
	}
	if len(dropped) > 0 {
		q.metrics.DiscardedBlocks.With("reason", reason).Add(float64(len(dropped)))
	}
	return dropped
}

func (q *ImportQueue) deleteLocked(pb *PendingBlock) {
	delete(q.blocks, pb.Hash)
	parent := pb.Header.ParentHash
	if siblings := q.children[parent]; siblings != nil {
		delete(siblings, pb.Hash)
		if len(siblings) == 0 {
			delete(q.children, parent)
		}
	}
}

// MissingAncestors returns the parents that parked chains wait for.
func (q *ImportQueue) MissingAncestors() []Missing {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var out []Missing
	for _, pb := range q.blocks {
		if pb.Stage != StageHeaderVerified || pb.Header.Height == 0 {
			continue
		}
		if _, queued := q.blocks[pb.Header.ParentHash]; queued {
			continue
		}
		if q.engine.HasBlock(pb.Header.ParentHash) {
			continue
		}
		depth := q.options.MaxParkedDepth - q.parkedDepthLocked(pb)
		if depth < 1 {
			depth = 1
		}
		out = append(out, Missing{Hash: pb.Header.ParentHash, Height: pb.Header.Height - 1, Depth: depth})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

// MarkBanned records that a peer was banned. Blocks it was the only source
// of are discarded by ExpireOrphans once the grace period has passed,
// unless another peer supplies them first.
func (q *ImportQueue) MarkBanned(id types.NodeID) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.banned[id] = true
	now := q.clock.Now()
	for _, pb := range q.blocks {
		if pb.orphanedAt.IsZero() && q.allBannedLocked(pb) {
			pb.orphanedAt = now
		}
	}
}

// Unban forgets a ban, for peers allowed back in.
func (q *ImportQueue) Unban(id types.NodeID) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.banned, id)
}

func (q *ImportQueue) allBannedLocked(pb *PendingBlock) bool {
	if len(pb.Sources) == 0 {
		return false
	}
	for _, s := range pb.Sources {
		if !q.banned[s] {
			return false
		}
	}
	return true
}

// ExpireOrphans discards blocks whose sources were all banned more than the
// grace period ago.
func (q *ImportQueue) ExpireOrphans() []Discarded {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	defer q.updateMetricsLocked()

	now := q.clock.Now()
	var expired []types.Hash
	for hash, pb := range q.blocks {
		if !pb.orphanedAt.IsZero() && now.Sub(pb.orphanedAt) >= q.options.GracePeriod {
			expired = append(expired, hash)
		}
	}
	var dropped []Discarded
	for _, hash := range expired {
		dropped = append(dropped, q.discardLocked(hash, "banned_source")...)
	}
	return dropped
}

// Get returns a snapshot of a queued block.
func (q *ImportQueue) Get(hash types.Hash) (*PendingBlock, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	pb, ok := q.blocks[hash]
	if !ok {
		return nil, false
	}
	return pb.copy(), true
}

// Has reports whether a block is queued.
func (q *ImportQueue) Has(hash types.Hash) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	_, ok := q.blocks[hash]
	return ok
}

// Len returns the number of queued blocks.
func (q *ImportQueue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.blocks)
}

// Sizes returns the number of queued blocks per stage.
func (q *ImportQueue) Sizes() map[Stage]int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.sizesLocked()
}

func (q *ImportQueue) sizesLocked() map[Stage]int {
	sizes := make(map[Stage]int, len(allStages))
	for _, pb := range q.blocks {
		sizes[pb.Stage]++
	}
	return sizes
}

// FillRatio is the fraction of the queue capacity in use.
func (q *ImportQueue) FillRatio() float64 {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return float64(len(q.blocks)) / float64(q.options.MaxPending)
}

// Highest returns the head of the highest queued block.
func (q *ImportQueue) Highest() (types.Head, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var (
		best  types.Head
		found bool
	)
	for _, pb := range q.blocks {
		if !found || pb.Header.Height > best.Height {
			best, found = pb.Header.Head(), true
		}
	}
	return best, found
}

func (q *ImportQueue) updateMetrics() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.updateMetricsLocked()
}

func (q *ImportQueue) updateMetricsLocked() {
	sizes := q.sizesLocked()
	for _, s := range allStages {
		q.metrics.QueuedBlocks.With("stage", s.String()).Set(float64(sizes[s]))
	}
}
