package blocksync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

var _ service.Service = (*Reactor)(nil)

// rateWindow is the number of imported blocks between two sync rate logs.
const rateWindow = 100

// Router is the part of the p2p router the reactor uses.
type Router interface {
	Sender
	Inbound() <-chan p2p.Envelope
}

// Gossiper handles the announcement traffic the reactor does not interpret
// itself.
type Gossiper interface {
	HandleBlockAnnouncement(ctx context.Context, from types.NodeID, msg *p2p.NewBlockAnnouncement)
	HandleTransactions(ctx context.Context, from types.NodeID, txs types.Txs)
}

// Reactor connects the Controller to the network. It routes inbound
// messages, answers header and body requests from the ledger, tracks peers
// coming and going, and runs the sync loop.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg        *config.SyncConfig
	engine     ledger.Engine
	controller *Controller
	router     Router
	peers      *p2p.PeerTable
	gossip     Gossiper
	clock      clock.Clock

	mtx    sync.Mutex
	cancel context.CancelFunc
}

// NewReactor returns a new reactor. gossip may be nil, in which case
// announcements only update peer heads.
func NewReactor(
	logger log.Logger,
	cfg *config.SyncConfig,
	engine ledger.Engine,
	controller *Controller,
	router Router,
	peers *p2p.PeerTable,
	gossip Gossiper,
	clk clock.Clock,
) *Reactor {
	r := &Reactor{
		logger:     logger,
		cfg:        cfg,
		engine:     engine,
		controller: controller,
		router:     router,
		peers:      peers,
		gossip:     gossip,
		clock:      clk,
	}
	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r
}

// OnStart starts the inbound, peer update, sync and status routines.
func (r *Reactor) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mtx.Lock()
	r.cancel = cancel
	r.mtx.Unlock()

	go r.processInbound(ctx)
	go r.processPeerUpdates(ctx, r.peers.Subscribe(ctx))
	go r.syncRoutine(ctx)
	go r.statusRoutine(ctx)
	return nil
}

// OnStop signals every routine to exit.
func (r *Reactor) OnStop() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Controller returns the sync controller.
func (r *Reactor) Controller() *Controller { return r.controller }

func (r *Reactor) processInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-r.router.Inbound():
			if err := r.handleMessage(ctx, envelope); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				r.logger.Debug("failed to process message", "peer", envelope.From, "kind", envelope.Message.Kind(), "err", err)
			}
		}
	}
}

// handleMessage handles a message from a peer. Misbehavior is punished by
// the controller; the returned error is for logging only.
func (r *Reactor) handleMessage(ctx context.Context, envelope p2p.Envelope) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in processing message: %v", e)
			r.logger.Error(
				"recovering from processing message panic",
				"err", err,
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch msg := envelope.Message.(type) {
	case *p2p.Status:
		r.controller.HandleStatus(envelope.From, msg)

	case *p2p.GetHeaders:
		return r.router.Send(ctx, p2p.Envelope{To: envelope.From, Message: ServeHeaders(r.engine, msg)})

	case *p2p.GetBodies:
		return r.router.Send(ctx, p2p.Envelope{To: envelope.From, Message: ServeBodies(r.engine, msg)})

	case *p2p.Headers:
		return r.controller.HandleHeaders(ctx, envelope.From, msg)

	case *p2p.Bodies:
		return r.controller.HandleBodies(ctx, envelope.From, msg)

	case *p2p.NewBlockAnnouncement:
		r.controller.HandleNewBlock(envelope.From, msg)
		if r.gossip != nil {
			r.gossip.HandleBlockAnnouncement(ctx, envelope.From, msg)
		}

	case *p2p.NewTransactionAnnouncement:
		if r.gossip != nil {
			r.gossip.HandleTransactions(ctx, envelope.From, msg.Txs)
		}

	default:
		return fmt.Errorf("received unexpected message: %T", msg)
	}
	return nil
}

// processPeerUpdate processes a PeerUpdate.
func (r *Reactor) processPeerUpdate(ctx context.Context, peerUpdate p2p.PeerUpdate) {
	r.logger.Debug("received peer update", "peer", peerUpdate.NodeID, "status", peerUpdate.Status)

	switch peerUpdate.Status {
	case p2p.PeerStatusUp:
		// send our head to the newly added peer
		err := r.router.Send(ctx, p2p.Envelope{
			To:      peerUpdate.NodeID,
			Message: &p2p.Status{Head: r.controller.View().Tip()},
		})
		if err != nil {
			r.logger.Debug("failed to send status", "peer", peerUpdate.NodeID, "err", err)
		}

	case p2p.PeerStatusDown:
		r.controller.RemovePeer(peerUpdate.NodeID, false)

	case p2p.PeerStatusBanned:
		r.controller.RemovePeer(peerUpdate.NodeID, true)
	}
}

func (r *Reactor) processPeerUpdates(ctx context.Context, peerUpdates *p2p.PeerUpdates) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerUpdate := <-peerUpdates.Updates():
			r.processPeerUpdate(ctx, peerUpdate)
		}
	}
}

// syncRoutine steps the controller.
func (r *Reactor) syncRoutine(ctx context.Context) {
	var (
		stepTicker = r.clock.Ticker(r.cfg.StepInterval)

		lastHeight = r.controller.View().Tip().Height
		lastWindow = r.clock.Now()
		lastRate   = 0.0
	)
	defer stepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stepTicker.C:
			r.controller.Step(ctx)

			height := r.controller.View().Tip().Height
			switch {
			case height < lastHeight:
				lastHeight, lastWindow = height, r.clock.Now()
			case height-lastHeight >= rateWindow:
				elapsed := r.clock.Since(lastWindow).Seconds()
				if elapsed > 0 {
					lastRate = 0.9*lastRate + 0.1*(float64(height-lastHeight)/elapsed)
				}
				r.logger.Info(
					"block sync rate",
					"height", height,
					"max_peer_height", r.maxPeerHeight(),
					"blocks/s", lastRate,
				)
				lastHeight, lastWindow = height, r.clock.Now()
			}
		}
	}
}

func (r *Reactor) maxPeerHeight() uint64 {
	var max uint64
	for _, p := range r.peers.Peers() {
		if p.BestHead.Height > max {
			max = p.BestHead.Height
		}
	}
	return max
}

// statusRoutine periodically broadcasts our head.
func (r *Reactor) statusRoutine(ctx context.Context) {
	statusTicker := r.clock.Ticker(r.cfg.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			err := r.router.Send(ctx, p2p.Envelope{
				Broadcast: true,
				Message:   &p2p.Status{Head: r.controller.View().Tip()},
			})
			if err != nil {
				r.logger.Debug("failed to broadcast status", "err", err)
			}
		}
	}
}
