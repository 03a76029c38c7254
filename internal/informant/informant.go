// Package informant periodically logs a one-line summary of the node's
// progress: best block, import rate, queue sizes and peer counts. It stays
// quiet while nothing is being imported, reporting only every idleFactor
// intervals.
package informant

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
)

var _ service.Service = (*Informant)(nil)

const (
	// idleFactor stretches the report interval while the node is idle.
	idleFactor = 6

	// busyQueue is the number of queued blocks above which the node counts
	// as importing even when the controller is idle.
	busyQueue = 3

	// importLogInterval is the minimum time between two per-block import
	// logs.
	importLogInterval = time.Second
)

// StatusSource reports the sync status.
type StatusSource interface {
	Status() blocksync.Status
}

// Informant logs sync progress.
type Informant struct {
	service.BaseService
	logger log.Logger

	status     StatusSource
	peers      *p2p.PeerTable
	idealPeers int
	interval   time.Duration
	clock      clock.Clock

	mtx        sync.Mutex
	lastTick   time.Time
	lastImport time.Time
	blocks     uint64 // imported since the last report
	txs        uint64 // imported since the last report
	skipped    int    // imports not logged since the last import log
	cancel     context.CancelFunc
}

// New returns a new informant reporting every interval.
func New(
	logger log.Logger,
	status StatusSource,
	peers *p2p.PeerTable,
	idealPeers int,
	interval time.Duration,
	clk clock.Clock,
) *Informant {
	inf := &Informant{
		logger:     logger,
		status:     status,
		peers:      peers,
		idealPeers: idealPeers,
		interval:   interval,
		clock:      clk,
		lastTick:   clk.Now(),
		lastImport: clk.Now(),
	}
	inf.BaseService = *service.NewBaseService(logger, "Informant", inf)
	return inf
}

// OnStart starts the report routine.
func (inf *Informant) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	inf.mtx.Lock()
	inf.cancel = cancel
	inf.mtx.Unlock()

	go inf.reportRoutine(ctx)
	return nil
}

// OnStop stops the report routine.
func (inf *Informant) OnStop() {
	inf.mtx.Lock()
	defer inf.mtx.Unlock()
	if inf.cancel != nil {
		inf.cancel()
	}
}

func (inf *Informant) reportRoutine(ctx context.Context) {
	ticker := inf.clock.Ticker(inf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inf.Tick()
		}
	}
}

func importing(st blocksync.Status) bool {
	queued := 0
	for _, n := range st.Queued {
		queued += n
	}
	return queued > busyQueue || st.State != blocksync.StateIdle
}

// Tick logs a report if one is due.
func (inf *Informant) Tick() {
	// gathered before locking: head listeners run under the controller's
	// locks and take ours
	st := inf.status.Status()
	connected := inf.peers.Peers()

	inf.mtx.Lock()
	defer inf.mtx.Unlock()

	now := inf.clock.Now()
	elapsed := now.Sub(inf.lastTick)
	if elapsed < inf.interval {
		return
	}
	busy := importing(st)
	if !busy && elapsed < idleFactor*inf.interval {
		return
	}

	active, total := 0, 0
	for _, p := range connected {
		total++
		if p.Outstanding > 0 {
			active++
		}
	}
	peers := []interface{}{"active_peers", active, "peers", total, "ideal_peers", inf.idealPeers}

	if busy {
		verified := st.Queued[blocksync.StageBodyVerified] + st.Queued[blocksync.StageReadyToImport]
		unverified := -verified
		for _, n := range st.Queued {
			unverified += n
		}
		seconds := elapsed.Seconds()
		keyVals := []interface{}{
			"height", st.Tip.Height,
			"hash", st.Tip.Hash,
			"target", st.Target.Height,
			"state", st.State,
			"blocks/s", float64(inf.blocks) / seconds,
			"txs/s", float64(inf.txs) / seconds,
			"unverified", unverified,
			"verified", verified,
			"in_flight", st.InFlight,
		}
		if st.IsStalled() {
			keyVals = append(keyVals, "stalled", len(st.Stalled))
		}
		inf.logger.Info("syncing", append(keyVals, peers...)...)
	} else {
		inf.logger.Info("idle", append([]interface{}{"height", st.Tip.Height, "hash", st.Tip.Hash}, peers...)...)
	}

	inf.lastTick = now
	inf.blocks, inf.txs = 0, 0
}

// OnNewHead counts an imported block and logs it, at most once per
// importLogInterval, mentioning the imports it skipped. Reorganizations are
// always logged. It is meant to be registered with
// blocksync.WithHeadListener.
func (inf *Informant) OnNewHead(nh blocksync.NewHead) {
	inf.mtx.Lock()
	defer inf.mtx.Unlock()

	inf.blocks++
	inf.txs += uint64(len(nh.Block.Body.Txs))

	if nh.Reverted > 0 {
		inf.logger.Info("reorganized", "height", nh.Head.Height, "hash", nh.Head.Hash, "reverted", nh.Reverted)
	}

	now := inf.clock.Now()
	if now.Sub(inf.lastImport) < importLogInterval {
		inf.skipped++
		return
	}
	keyVals := []interface{}{
		"height", nh.Head.Height,
		"hash", nh.Head.Hash,
		"txs", len(nh.Block.Body.Txs),
		"size", nh.Block.Header.BodySize,
	}
	if inf.skipped > 0 {
		keyVals = append(keyVals, "skipped", inf.skipped)
	}
	inf.logger.Info("imported", keyVals...)
	inf.lastImport = now
	inf.skipped = 0
}
