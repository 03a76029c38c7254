package blocksync

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

const (
	// responsiveness is an exponentially weighted moving average of on-time
	// deliveries: each outcome moves it this far towards 1 or 0.
	responsivenessWeight = 0.2

	defaultExpiredTickets = 4096
)

// Purpose says what a piece of work fetches.
type Purpose int

// Pending work is handed out in this order.
const (
	PurposeProbe    Purpose = iota // one header by height, from a pinned peer
	PurposeAncestor                // headers walking back from a hash
	PurposeBodies                  // bodies by hash
	PurposeHeaders                 // a range of headers by height
)

func (p Purpose) String() string {
	switch p {
	case PurposeProbe:
		return "probe"
	case PurposeAncestor:
		return "ancestor"
	case PurposeBodies:
		return "bodies"
	case PurposeHeaders:
		return "headers"
	default:
		return fmt.Sprintf("Purpose(%d)", int(p))
	}
}

// throttled reports whether backpressure applies to the purpose. Only header
// ranges are withheld; the other purposes complete blocks already queued or
// steer the search, and a full queue drains through them.
func (p Purpose) throttled() bool {
	return p == PurposeHeaders
}

// TicketID identifies a request. It is also the request id on the wire.
type TicketID uint64

// Work is a unit of work. Header ranges, probes and ancestor walks cover the
// heights From..To; bodies and ancestor walks name their blocks in Hashes.
type Work struct {
	Purpose Purpose
	From    uint64
	To      uint64
	Hashes  []types.Hash

	// Target is the head the work leads to. Header ranges only go to peers
	// claiming at least its weight.
	Target types.Head

	// Peer pins the work to a single peer.
	Peer types.NodeID
}

func (w Work) String() string {
	switch w.Purpose {
	case PurposeBodies:
		return fmt.Sprintf("%v{%d blocks, heights %d-%d}", w.Purpose, len(w.Hashes), w.From, w.To)
	case PurposeAncestor:
		return fmt.Sprintf("%v{%s, heights %d-%d}", w.Purpose, w.Hashes[0].Short(), w.From, w.To)
	default:
		return fmt.Sprintf("%v{%d-%d}", w.Purpose, w.From, w.To)
	}
}

// Amount is the number of items the work asks for.
func (w Work) Amount() int {
	if w.Purpose == PurposeBodies {
		return len(w.Hashes)
	}
	return int(w.To - w.From + 1)
}

func (w Work) keys() []workKey {
	switch w.Purpose {
	case PurposeBodies, PurposeAncestor:
		keys := make([]workKey, len(w.Hashes))
		for i, h := range w.Hashes {
			keys[i] = workKey{purpose: w.Purpose, hash: h}
		}
		return keys
	case PurposeProbe:
		return []workKey{{purpose: w.Purpose, height: w.From, peer: w.Peer}}
	default:
		keys := make([]workKey, 0, w.Amount())
		for h := w.From; h <= w.To; h++ {
			keys = append(keys, workKey{purpose: w.Purpose, height: h})
		}
		return keys
	}
}

// servableBy reports whether peer can be asked for the work.
func (w Work) servableBy(peer p2p.PeerInfo) bool {
	if peer.State != p2p.SessionIdle && peer.State != p2p.SessionSyncing {
		return false
	}
	if w.Peer != "" && peer.NodeID != w.Peer {
		return false
	}
	switch w.Purpose {
	case PurposeProbe:
		return peer.Capabilities.Has(p2p.CapHeaders)
	case PurposeAncestor:
		return peer.Capabilities.Has(p2p.CapHeaders) && peer.BestHead.Height >= w.To
	case PurposeBodies:
		return peer.Capabilities.Has(p2p.CapBodies) && peer.BestHead.Height >= w.To
	case PurposeHeaders:
		return peer.Capabilities.Has(p2p.CapHeaders) &&
			peer.BestHead.Height >= w.To &&
			peer.BestHead.Weight.Cmp(w.Target.Weight) >= 0
	default:
		return false
	}
}

// workKey is the unit of the one-to-one assignment guarantee: a key is
// covered by at most one piece of work, pending or outstanding.
type workKey struct {
	purpose Purpose
	height  uint64
	hash    types.Hash
	peer    types.NodeID
}

// Ticket is one outstanding request assigned to exactly one peer.
type Ticket struct {
	ID       TicketID
	Peer     types.NodeID
	Work     Work
	Attempt  int
	Issued   time.Time
	Deadline time.Time

	// peers that already failed this work
	tried map[types.NodeID]bool
}

type workItem struct {
	seq      uint64
	work     Work
	attempts int
	tried    map[types.NodeID]bool
	stalled  bool
}

type outstandingTicket struct {
	Ticket
	item *workItem
}

type schedPeer struct {
	responsiveness float64
	outstanding    int
	lastAssigned   time.Time
}

// requestCap is the number of tickets the peer may hold, scaled by its
// recent responsiveness and never below one.
func (p *schedPeer) requestCap(max int) int {
	n := int(math.Round(float64(max) * p.responsiveness))
	if n < 1 {
		n = 1
	}
	return n
}

// SchedulerOptions configure a Scheduler.
type SchedulerOptions struct {
	// MaxInFlight caps tickets across all peers.
	MaxInFlight int

	// MaxPerPeer caps tickets on a fully responsive peer.
	MaxPerPeer int

	// RetryBudget is the number of failed attempts after which work stalls.
	RetryBudget int

	// Timeout is the deadline of each ticket.
	Timeout time.Duration

	// HeadersPerRequest and BodiesPerRequest bound ticket sizes.
	HeadersPerRequest int
	BodiesPerRequest  int

	// ExpiredTickets is how many expired tickets are remembered so that
	// late responses can be told apart from unsolicited ones.
	ExpiredTickets int
}

// Scheduler assigns work to peers as tickets and tracks their deadlines.
// It is safe for concurrent use.
type Scheduler struct {
	logger  log.Logger
	metrics *Metrics
	clock   clock.Clock
	options SchedulerOptions

	mtx      sync.Mutex
	nextID   TicketID
	seq      uint64
	throttle float64
	pending  []*workItem
	covered  map[workKey]*workItem
	tickets  map[TicketID]*outstandingTicket
	peers    map[types.NodeID]*schedPeer
	expired  *lru.Cache // TicketID -> types.NodeID
}

// NewScheduler creates a scheduler with no work.
func NewScheduler(logger log.Logger, metrics *Metrics, clk clock.Clock, options SchedulerOptions) *Scheduler {
	if options.ExpiredTickets <= 0 {
		options.ExpiredTickets = defaultExpiredTickets
	}
	expired, err := lru.New(options.ExpiredTickets)
	if err != nil {
		panic(err)
	}
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		clock:   clk,
		options: options,
		covered: make(map[workKey]*workItem),
		tickets: make(map[TicketID]*outstandingTicket),
		peers:   make(map[types.NodeID]*schedPeer),
		expired: expired,
	}
}

// RequestHeaders queues the header range from..to of the chain ending at
// target, split into bounded tickets. Heights already covered are skipped.
func (s *Scheduler) RequestHeaders(target types.Head, from, to uint64) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	added := 0
	batch := uint64(s.options.HeadersPerRequest)
	for h := from; h <= to; {
		if s.covered[workKey{purpose: PurposeHeaders, height: h}] != nil {
			h++
			continue
		}
		end := h
		for end < to && end-h+1 < batch &&
			s.covered[workKey{purpose: PurposeHeaders, height: end + 1}] == nil {
			end++
		}
		s.pushLocked(&workItem{work: Work{Purpose: PurposeHeaders, From: h, To: end, Target: target}})
		added++
		h = end + 1
	}
	return added
}

// RequestBodies queues the bodies of headers in bounded tickets. Bodies
// already covered are skipped.
func (s *Scheduler) RequestBodies(headers []*types.BlockHeader) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var (
		added int
		cur   *Work
	)
	flush := func() {
		if cur != nil {
			s.pushLocked(&workItem{work: *cur})
			added++
			cur = nil
		}
	}
	for _, h := range headers {
		hash := h.Hash()
		if s.covered[workKey{purpose: PurposeBodies, hash: hash}] != nil {
			continue
		}
		if cur == nil {
			cur = &Work{Purpose: PurposeBodies, From: h.Height, To: h.Height}
		}
		cur.Hashes = append(cur.Hashes, hash)
		if h.Height < cur.From {
			cur.From = h.Height
		}
		if h.Height > cur.To {
			cur.To = h.Height
		}
		if len(cur.Hashes) >= s.options.BodiesPerRequest {
			flush()
		}
	}
	flush()
	return added
}

// RequestAncestor queues a walk back from the block hash at height, asking
// for up to depth headers. It returns false if the walk is already queued.
func (s *Scheduler) RequestAncestor(hash types.Hash, height uint64, depth int) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.covered[workKey{purpose: PurposeAncestor, hash: hash}] != nil {
		return false
	}
	if depth < 1 {
		depth = 1
	}
	if max := s.options.HeadersPerRequest; depth > max {
		depth = max
	}
	from := uint64(0)
	if height+1 > uint64(depth) {
		from = height + 1 - uint64(depth)
	}
	s.pushLocked(&workItem{work: Work{
		Purpose: PurposeAncestor,
		From:    from,
		To:      height,
		Hashes:  []types.Hash{hash},
	}})
	return true
}

// RequestProbe queues a request for the header at height on peer's chain.
func (s *Scheduler) RequestProbe(peer types.NodeID, height uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	w := Work{Purpose: PurposeProbe, From: height, To: height, Peer: peer}
	if s.covered[w.keys()[0]] != nil {
		return false
	}
	s.pushLocked(&workItem{work: w})
	return true
}

// pushLocked adds an item to the pending list, keeping it ordered by
// purpose and then by arrival.
func (s *Scheduler) pushLocked(item *workItem) {
	if item.seq == 0 {
		s.seq++
		item.seq = s.seq
	}
	for _, k := range item.work.keys() {
		s.covered[k] = item
	}
	i := sort.Search(len(s.pending), func(i int) bool {
		p := s.pending[i]
		if p.work.Purpose != item.work.Purpose {
			return p.work.Purpose > item.work.Purpose
		}
		return p.seq > item.seq
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = item
}

func (s *Scheduler) releaseLocked(item *workItem) {
	for _, k := range item.work.keys() {
		if s.covered[k] == item {
			delete(s.covered, k)
		}
	}
}

// SetThrottle sets the fraction of the header range capacity withheld
// because the import pipeline cannot keep up. It is clamped to [0,1].
func (s *Scheduler) SetThrottle(f float64) {
	switch {
	case f < 0 || math.IsNaN(f):
		f = 0
	case f > 1:
		f = 1
	}
	s.mtx.Lock()
	s.throttle = f
	s.mtx.Unlock()
	s.metrics.Throttle.Set(f)
}

// Throttle returns the current throttle factor.
func (s *Scheduler) Throttle() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.throttle
}

// Schedule assigns pending work to peers and returns the new tickets, which
// the caller must send. Peer choice prefers the highest score, then the most
// free budget, then the peer that has gone longest without new work.
func (s *Scheduler) Schedule(peers []p2p.PeerInfo) []Ticket {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	for _, p := range peers {
		if _, ok := s.peers[p.NodeID]; !ok {
			s.peers[p.NodeID] = &schedPeer{responsiveness: 1}
		}
	}

	rangeCap := int(float64(s.options.MaxInFlight) * (1 - s.throttle))
	rangeInFlight := 0
	for _, t := range s.tickets {
		if t.Work.Purpose.throttled() {
			rangeInFlight++
		}
	}

	var (
		issued []Ticket
		kept   = s.pending[:0]
	)
	for i, item := range s.pending {
		if len(s.tickets) >= s.options.MaxInFlight {
			kept = append(kept, s.pending[i:]...)
			break
		}
		if item.work.Purpose.throttled() && rangeInFlight >= rangeCap {
			kept = append(kept, item)
			continue
		}
		peer, ok := s.pickPeerLocked(item, peers)
		if !ok {
			kept = append(kept, item)
			continue
		}

		s.nextID++
		t := &outstandingTicket{
			Ticket: Ticket{
				ID:       s.nextID,
				Peer:     peer,
				Work:     item.work,
				Attempt:  item.attempts,
				Issued:   now,
				Deadline: now.Add(s.options.Timeout),
				tried:    item.tried,
			},
			item: item,
		}
		s.tickets[t.ID] = t
		sp := s.peers[peer]
		sp.outstanding++
		sp.lastAssigned = now
		if item.work.Purpose.throttled() {
			rangeInFlight++
		}
		issued = append(issued, t.Ticket)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	s.updateMetricsLocked()
	return issued
}

func (s *Scheduler) pickPeerLocked(item *workItem, peers []p2p.PeerInfo) (types.NodeID, bool) {
	type candidate struct {
		info  p2p.PeerInfo
		free  int
		last  time.Time
		tried bool
	}
	var candidates []candidate
	for _, p := range peers {
		if !item.work.servableBy(p) {
			continue
		}
		tried := item.tried[p.NodeID]
		if tried && item.stalled {
			continue
		}
		sp := s.peers[p.NodeID]
		free := sp.requestCap(s.options.MaxPerPeer) - sp.outstanding
		if free <= 0 {
			continue
		}
		candidates = append(candidates, candidate{info: p, free: free, last: sp.lastAssigned, tried: tried})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.tried != b.tried:
			return !a.tried
		case a.info.Score != b.info.Score:
			return a.info.Score > b.info.Score
		case a.free != b.free:
			return a.free > b.free
		case !a.last.Equal(b.last):
			return a.last.Before(b.last)
		default:
			return a.info.NodeID < b.info.NodeID
		}
	})
	return candidates[0].info.NodeID, true
}

// Fulfill resolves the ticket id answered by peer. The ticket is destroyed
// and its work is considered done; callers requeue undelivered parts with
// Retry. A response to an expired ticket returns ErrLateResponse, and one to
// a ticket never issued to peer returns ErrUnsolicited.
func (s *Scheduler) Fulfill(peer types.NodeID, id TicketID) (Ticket, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	t, ok := s.tickets[id]
	if !ok || t.Peer != peer {
		if v, ok := s.expired.Get(id); ok && v.(types.NodeID) == peer {
			return Ticket{}, ErrLateResponse
		}
		return Ticket{}, fmt.Errorf("%w: request %d", ErrUnsolicited, id)
	}

	s.removeTicketLocked(t)
	s.releaseLocked(t.item)
	if sp, ok := s.peers[peer]; ok {
		onTime := 0.0
		if !s.clock.Now().After(t.Deadline) {
			onTime = 1
		}
		sp.responsiveness = (1-responsivenessWeight)*sp.responsiveness + responsivenessWeight*onTime
	}
	s.updateMetricsLocked()
	return t.Ticket, nil
}

// Retry requeues the undelivered part w of a fulfilled ticket. The peers
// that failed the work before are carried over. If failed is set the
// attempt counts against the retry budget and the peer is not asked again
// while others can serve the work.
func (s *Scheduler) Retry(t Ticket, w Work, failed bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	item := &workItem{work: w, attempts: t.Attempt, tried: make(map[types.NodeID]bool, len(t.tried)+1)}
	for id := range t.tried {
		item.tried[id] = true
	}
	if failed {
		item.attempts++
		item.tried[t.Peer] = true
	}
	item.stalled = item.attempts >= s.options.RetryBudget
	for _, k := range w.keys() {
		if s.covered[k] != nil {
			// someone else already covers part of it; give up the rest
			// rather than double-assign
			return
		}
	}
	s.pushLocked(item)
	s.updateMetricsLocked()
}

// Release requeues a ticket that could not be sent, without counting an
// attempt.
func (s *Scheduler) Release(id TicketID) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return
	}
	s.removeTicketLocked(t)
	s.pushLocked(t.item)
	s.updateMetricsLocked()
}

// Sweep invalidates every ticket past its deadline and requeues its work.
// Each expired ticket counts as a failed attempt of the peer that held it.
// The expired tickets are returned so the caller can penalize their peers.
func (s *Scheduler) Sweep() []Ticket {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.clock.Now()
	var expired []Ticket
	for _, t := range s.tickets {
		if now.Before(t.Deadline) {
			continue
		}
		expired = append(expired, t.Ticket)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	for _, et := range expired {
		t := s.tickets[et.ID]
		s.removeTicketLocked(t)
		s.expired.Add(t.ID, t.Peer)
		if sp, ok := s.peers[t.Peer]; ok {
			sp.responsiveness *= 1 - responsivenessWeight
		}
		s.metrics.RequestTimeouts.With("purpose", t.Work.Purpose.String()).Add(1)

		item := t.item
		item.attempts++
		if item.tried == nil {
			item.tried = make(map[types.NodeID]bool)
		}
		item.tried[t.Peer] = true
		if !item.stalled && item.attempts >= s.options.RetryBudget {
			item.stalled = true
			s.logger.Error("work stalled", "work", item.work, "attempts", item.attempts, "err", ErrStalled)
		} else {
			s.logger.Debug("request timed out", "work", item.work, "peer", t.Peer, "attempt", item.attempts)
		}
		s.pushLocked(item)
	}
	s.updateMetricsLocked()
	return expired
}

// RemovePeer forgets a peer and requeues its tickets without counting an
// attempt. Work pinned to the peer is dropped and returned.
func (s *Scheduler) RemovePeer(peer types.NodeID) []Work {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var dropped []Work
	for _, t := range s.ticketsOfLocked(peer) {
		s.removeTicketLocked(t)
		if t.Work.Peer == peer {
			s.releaseLocked(t.item)
			dropped = append(dropped, t.Work)
			continue
		}
		s.pushLocked(t.item)
	}
	kept := s.pending[:0]
	for _, item := range s.pending {
		if item.work.Peer == peer {
			s.releaseLocked(item)
			dropped = append(dropped, item.work)
			continue
		}
		kept = append(kept, item)
	}
	s.pending = kept
	delete(s.peers, peer)
	s.updateMetricsLocked()
	return dropped
}

// Cancel drops the pending work of the given purpose for which match
// returns true, or all of it if match is nil. Outstanding tickets are left
// to complete.
func (s *Scheduler) Cancel(purpose Purpose, match func(Work) bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	kept := s.pending[:0]
	for _, item := range s.pending {
		if item.work.Purpose == purpose && (match == nil || match(item.work)) {
			s.releaseLocked(item)
			continue
		}
		kept = append(kept, item)
	}
	s.pending = kept
	s.updateMetricsLocked()
}

func (s *Scheduler) ticketsOfLocked(peer types.NodeID) []*outstandingTicket {
	var out []*outstandingTicket
	for _, t := range s.tickets {
		if t.Peer == peer {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) removeTicketLocked(t *outstandingTicket) {
	delete(s.tickets, t.ID)
	if sp, ok := s.peers[t.Peer]; ok && sp.outstanding > 0 {
		sp.outstanding--
	}
}

func (s *Scheduler) updateMetricsLocked() {
	s.metrics.RequestsInFlight.Set(float64(len(s.tickets)))
	stalled := 0
	for _, item := range s.pending {
		if item.stalled {
			stalled++
		}
	}
	s.metrics.StalledRequests.Set(float64(stalled))
}

// Outstanding returns the number of tickets held by peer.
func (s *Scheduler) Outstanding(peer types.NodeID) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if sp, ok := s.peers[peer]; ok {
		return sp.outstanding
	}
	return 0
}

// InFlight returns the number of outstanding tickets.
func (s *Scheduler) InFlight() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tickets)
}

// Covered returns the number of heights or hashes of the purpose that are
// pending or outstanding.
func (s *Scheduler) Covered(purpose Purpose) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for k := range s.covered {
		if k.purpose == purpose {
			n++
		}
	}
	return n
}

// Tickets returns the outstanding tickets ordered by id.
func (s *Scheduler) Tickets() []Ticket {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t.Ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasWork reports whether work of the purpose is pending or outstanding.
func (s *Scheduler) HasWork(purpose Purpose) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, item := range s.pending {
		if item.work.Purpose == purpose {
			return true
		}
	}
	for _, t := range s.tickets {
		if t.Work.Purpose == purpose {
			return true
		}
	}
	return false
}

// Stalled returns the work no peer could supply within the retry budget.
func (s *Scheduler) Stalled() []Work {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []Work
	for _, item := range s.pending {
		if item.stalled {
			out = append(out, item.work)
		}
	}
	return out
}

// Responsiveness returns the on-time delivery average of a peer, 1 for
// peers never seen.
func (s *Scheduler) Responsiveness(peer types.NodeID) float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if sp, ok := s.peers[peer]; ok {
		return sp.responsiveness
	}
	return 1
}
