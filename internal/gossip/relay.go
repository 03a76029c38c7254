// Package gossip relays block and transaction announcements to peers. A
// SeenSet suppresses items that were already relayed, and per-peer known
// sets make sure a peer is never sent an item it is known to have.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

var (
	_ service.Service    = (*Relay)(nil)
	_ blocksync.Gossiper = (*Relay)(nil)
)

// relayQueueSize bounds the announcements waiting to be sent.
const relayQueueSize = 1024

var (
	// ErrTxKnown is returned when a submitted transaction was already
	// relayed.
	ErrTxKnown = errors.New("transaction already known")

	// ErrTxRelayDisabled is returned when transactions are submitted to a
	// relay that does not relay them.
	ErrTxRelayDisabled = errors.New("transaction relay is disabled")
)

const (
	kindBlock = "block"
	kindTx    = "tx"
)

// Sender sends an envelope to a peer.
type Sender interface {
	Send(ctx context.Context, envelope p2p.Envelope) error
}

// item is an announcement waiting to be relayed.
type item struct {
	from  types.NodeID // empty for local items
	block *p2p.NewBlockAnnouncement
	txs   types.Txs
}

// Relay forwards newly seen blocks and transactions to the peers that have
// not seen them yet. Announcements are deduplicated on arrival and sent by a
// single routine, so callers never block on the network.
type Relay struct {
	service.BaseService
	logger log.Logger

	cfg     *config.GossipConfig
	peers   *p2p.PeerTable
	sender  Sender
	metrics *Metrics

	seen  *SeenSet
	queue chan item

	mtx    sync.Mutex
	known  map[types.NodeID]*lru.Cache // peer -> hashes it has
	cancel context.CancelFunc
}

// NewRelay returns a new relay.
func NewRelay(
	logger log.Logger,
	cfg *config.GossipConfig,
	peers *p2p.PeerTable,
	sender Sender,
	metrics *Metrics,
) (*Relay, error) {
	seen, err := NewSeenSet(cfg.SeenSetSize)
	if err != nil {
		return nil, fmt.Errorf("creating seen set: %w", err)
	}
	r := &Relay{
		logger:  logger,
		cfg:     cfg,
		peers:   peers,
		sender:  sender,
		metrics: metrics,
		seen:    seen,
		queue:   make(chan item, relayQueueSize),
		known:   make(map[types.NodeID]*lru.Cache),
	}
	r.BaseService = *service.NewBaseService(logger, "Gossip", r)
	return r, nil
}

// OnStart starts the relay and peer update routines.
func (r *Relay) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mtx.Lock()
	r.cancel = cancel
	r.mtx.Unlock()

	go r.relayRoutine(ctx)
	go r.processPeerUpdates(ctx, r.peers.Subscribe(ctx))
	return nil
}

// OnStop stops the relay routines. Queued announcements are dropped.
func (r *Relay) OnStop() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// SeenSet returns the relay's seen set.
func (r *Relay) SeenSet() *SeenSet { return r.seen }

// NewLocalImport announces a block imported by this node.
func (r *Relay) NewLocalImport(ann p2p.NewBlockAnnouncement) {
	r.announce("", ann)
}

// NewPeerAnnouncement relays a block announced by from.
func (r *Relay) NewPeerAnnouncement(from types.NodeID, ann p2p.NewBlockAnnouncement) {
	r.announce(from, ann)
}

// OnNewHead announces a new canonical head. It is meant to be registered
// with blocksync.WithHeadListener.
func (r *Relay) OnNewHead(nh blocksync.NewHead) {
	r.NewLocalImport(p2p.NewBlockAnnouncement{
		Head:       nh.Head,
		ParentHash: nh.Block.Header.ParentHash,
	})
}

// HandleBlockAnnouncement implements blocksync.Gossiper.
func (r *Relay) HandleBlockAnnouncement(_ context.Context, from types.NodeID, msg *p2p.NewBlockAnnouncement) {
	r.NewPeerAnnouncement(from, *msg)
}

// HandleTransactions implements blocksync.Gossiper. Malformed transactions
// are dropped.
func (r *Relay) HandleTransactions(_ context.Context, from types.NodeID, txs types.Txs) {
	if !r.cfg.RelayTransactions {
		return
	}
	fresh := make(types.Txs, 0, len(txs))
	for _, tx := range txs {
		hash := tx.Hash()
		r.markKnown(from, hash)
		if err := r.validateTx(tx); err != nil {
			r.logger.Debug("dropping transaction", "peer", from, "tx", hash, "err", err)
			continue
		}
		if !r.seen.Add(hash) {
			r.metrics.Suppressed.With("kind", kindTx).Add(1)
			continue
		}
		fresh = append(fresh, tx)
	}
	r.metrics.SeenSetSize.Set(float64(r.seen.Len()))
	if len(fresh) > 0 {
		r.enqueue(item{from: from, txs: fresh})
	}
}

// SubmitTransaction relays a transaction submitted locally. It returns an
// error wrapping types.ErrMalformedTx for a transaction that cannot be
// relayed, and ErrTxKnown for one that already was.
func (r *Relay) SubmitTransaction(tx types.Tx) error {
	if !r.cfg.RelayTransactions {
		return ErrTxRelayDisabled
	}
	if err := r.validateTx(tx); err != nil {
		return err
	}
	if !r.seen.Add(tx.Hash()) {
		return ErrTxKnown
	}
	r.metrics.SeenSetSize.Set(float64(r.seen.Len()))
	r.enqueue(item{txs: types.Txs{tx}})
	return nil
}

func (r *Relay) validateTx(tx types.Tx) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if len(tx) > r.cfg.MaxTxBytes {
		return fmt.Errorf("%w: transaction is too big: %d bytes, max %d", types.ErrMalformedTx, len(tx), r.cfg.MaxTxBytes)
	}
	return nil
}

func (r *Relay) announce(from types.NodeID, ann p2p.NewBlockAnnouncement) {
	hash := ann.Head.Hash
	if from != "" {
		r.markKnown(from, hash)
	}
	if !r.seen.Add(hash) {
		r.metrics.Suppressed.With("kind", kindBlock).Add(1)
		return
	}
	r.metrics.SeenSetSize.Set(float64(r.seen.Len()))
	r.enqueue(item{from: from, block: &ann})
}

func (r *Relay) enqueue(it item) {
	select {
	case r.queue <- it:
	default:
		r.metrics.Dropped.Add(1)
		r.logger.Debug("relay queue is full, dropping announcement", "from", it.from)
	}
}

// knownSet returns the known set of a peer, creating it if needed.
func (r *Relay) knownSet(id types.NodeID) *lru.Cache {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	set, ok := r.known[id]
	if !ok {
		// KnownPerPeer is validated to be positive
		set, _ = lru.New(r.cfg.KnownPerPeer)
		r.known[id] = set
	}
	return set
}

func (r *Relay) markKnown(id types.NodeID, hash types.Hash) {
	r.knownSet(id).Add(hash, struct{}{})
}

// relay sends an item to every connected peer that accepts it, except its
// originator and peers known to have it.
func (r *Relay) relay(ctx context.Context, it item) {
	for _, peer := range r.peers.Peers() {
		if peer.NodeID == it.from {
			continue
		}
		known := r.knownSet(peer.NodeID)

		var (
			msg  p2p.Message
			kind string
		)
		switch {
		case it.block != nil:
			if !peer.Capabilities.Has(p2p.CapAnnounce) {
				continue
			}
			if found, _ := known.ContainsOrAdd(it.block.Head.Hash, struct{}{}); found {
				continue
			}
			msg, kind = it.block, kindBlock

		default:
			if !peer.Capabilities.Has(p2p.CapTxRelay) {
				continue
			}
			txs := make(types.Txs, 0, len(it.txs))
			for _, tx := range it.txs {
				if found, _ := known.ContainsOrAdd(tx.Hash(), struct{}{}); !found {
					txs = append(txs, tx)
				}
			}
			if len(txs) == 0 {
				continue
			}
			msg, kind = &p2p.NewTransactionAnnouncement{Txs: txs}, kindTx
		}

		if err := r.sender.Send(ctx, p2p.Envelope{To: peer.NodeID, Message: msg}); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("failed to relay announcement", "peer", peer.NodeID, "kind", kind, "err", err)
			continue
		}
		r.metrics.Relayed.With("kind", kind).Add(1)
	}
}

func (r *Relay) relayRoutine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.queue:
			r.relay(ctx, it)
		}
	}
}

// processPeerUpdates forgets the known set of peers that went away.
func (r *Relay) processPeerUpdates(ctx context.Context, peerUpdates *p2p.PeerUpdates) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerUpdate := <-peerUpdates.Updates():
			switch peerUpdate.Status {
			case p2p.PeerStatusDown, p2p.PeerStatusBanned:
				r.mtx.Lock()
				delete(r.known, peerUpdate.NodeID)
				r.mtx.Unlock()
			}
		}
	}
}
