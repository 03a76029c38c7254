// Package node assembles a chainsync node from its configuration: the
// reference ledger engine, the p2p router, the sync reactor, the gossip
// relay, the informant and the RPC server.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/internal/gossip"
	"github.com/tendermint/chainsync/internal/informant"
	"github.com/tendermint/chainsync/internal/ledger/memledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	rpccore "github.com/tendermint/chainsync/rpc/core"
	rpcserver "github.com/tendermint/chainsync/rpc/server"
	"github.com/tendermint/chainsync/types"
)

// Node is the highest level interface to a full chainsync node.
// It includes all configuration information and running services.
type Node struct {
	service.BaseService
	logger log.Logger

	// config
	config  *config.Config
	genesis *types.GenesisDoc
	nodeKey types.NodeKey

	// services
	db        dbm.DB
	ledger    *memledger.Ledger
	peers     *p2p.PeerTable
	router    *p2p.Router
	transport *p2p.TCPTransport
	reactor   *blocksync.Reactor
	relay     *gossip.Relay
	informant *informant.Informant // nil when disabled
	eventLog  *eventlog.Log
	rpcEnv    *rpccore.Environment

	mtx         sync.Mutex
	cancel      context.CancelFunc
	servers     *errgroup.Group
	rpcListener net.Listener
}

// New returns a new, ready to go, chainsync node built from the genesis and
// node key files named by cfg.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	genDoc, err := types.GenesisDocFromFile(cfg.GenesisFile())
	if err != nil {
		return nil, fmt.Errorf("loading genesis: %w", err)
	}
	nodeKey, err := types.LoadOrGenNodeKey(cfg.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", cfg.NodeKeyFile(), err)
	}
	return makeNode(cfg, genDoc, nodeKey, config.DefaultDBProvider, defaultMetricsProvider(cfg.Instrumentation), clock.New(), logger)
}

func makeNode(
	cfg *config.Config,
	genDoc *types.GenesisDoc,
	nodeKey types.NodeKey,
	dbProvider config.DBProvider,
	metricsProvider metricsProvider,
	clk clock.Clock,
	logger log.Logger,
) (_ *Node, err error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	db, err := dbProvider(&config.DBContext{ID: "blockstore", Config: cfg})
	if err != nil {
		return nil, err
	}
	var closers []func() error
	closers = append(closers, db.Close)
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	engine, err := memledger.New(db, genDoc)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	logger.Info("loaded ledger", "tip", engine.CanonicalTip(), "genesis", genDoc.Hash().Short())

	metrics := metricsProvider(genDoc.NetworkID)

	persistentAddrs, persistentIDs, err := parsePersistentPeers(cfg.P2P)
	if err != nil {
		return nil, err
	}
	peers := p2p.NewPeerTable(logger.With("module", "peers"), metrics.p2p, clk, p2p.PeerTableOptions{
		ScoreFloor:      p2p.PeerScore(cfg.P2P.ScoreFloor),
		BanDuration:     cfg.P2P.BanDuration,
		MaxConnections:  cfg.P2P.MaxConnections,
		PersistentPeers: persistentIDs,
	})

	transport, err := createTransport(logger.With("module", "transport"), cfg.P2P)
	if err != nil {
		return nil, err
	}
	closers = append(closers, transport.Close)

	router, err := createRouter(logger, cfg, metrics.p2p, nodeKey,
		makeNodeInfo(cfg, nodeKey, genDoc, engine), peers, transport, persistentAddrs, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	evLog, err := eventlog.New(eventlog.LogSettings{
		MaxItems: cfg.RPC.EventLogWindowSize,
		Clock:    clk,
		Metrics:  metrics.eventlog,
	})
	if err != nil {
		return nil, fmt.Errorf("creating event log: %w", err)
	}

	relay, err := gossip.NewRelay(logger.With("module", "gossip"), cfg.Gossip, peers, router, metrics.gossip)
	if err != nil {
		return nil, err
	}

	node := &Node{
		logger:    logger,
		config:    cfg,
		genesis:   genDoc,
		nodeKey:   nodeKey,
		db:        db,
		ledger:    engine,
		peers:     peers,
		router:    router,
		transport: transport,
		relay:     relay,
		eventLog:  evLog,
	}

	controller := blocksync.NewController(
		logger.With("module", "blocksync"),
		cfg.Sync,
		engine,
		peers,
		router,
		clk,
		blocksync.WithMetrics(metrics.blocksync),
		blocksync.WithHeadListener(relay.OnNewHead),
		blocksync.WithHeadListener(node.recordHead),
	)
	if interval := cfg.Instrumentation.InformantInterval; interval > 0 {
		node.informant = informant.New(logger.With("module", "informant"), controller, peers,
			cfg.P2P.IdealPeers, interval, clk)
	}
	node.reactor = blocksync.NewReactor(
		logger.With("module", "blocksync"),
		cfg.Sync,
		engine,
		controller,
		router,
		peers,
		relay,
		clk,
	)

	node.rpcEnv = &rpccore.Environment{
		Sync:     controller,
		Relay:    relay,
		EventLog: evLog,
		Logger:   logger.With("module", "rpc"),
		Config:   cfg.RPC,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	return node, nil
}

// recordHead feeds head changes to the event log and the informant. It
// runs under the controller's import lock, so it must not block.
func (n *Node) recordHead(nh blocksync.NewHead) {
	if err := n.eventLog.Add(nh.Head, nh.Reverted); err != nil && !errors.Is(err, eventlog.ErrLogPruned) {
		n.logger.Error("failed to record head", "head", nh.Head, "err", err)
	}
	if n.informant != nil {
		n.informant.OnNewHead(nh)
	}
}

// OnStart starts the Node. It implements service.Service.
func (n *Node) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.mtx.Lock()
	n.cancel = cancel
	n.servers = g
	n.mtx.Unlock()

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		l, err := rpcserver.Listen("tcp://"+n.config.Instrumentation.PrometheusListenAddr,
			n.config.Instrumentation.MaxOpenConnections)
		if err != nil {
			return err
		}
		g.Go(func() error { return n.servePrometheus(gctx, l) })
	}

	if n.config.RPC.ListenAddress != "" {
		l, err := n.rpcEnv.StartService(ctx, n.config.RPC)
		if err != nil {
			return err
		}
		n.mtx.Lock()
		n.rpcListener = l
		n.mtx.Unlock()
	}

	n.logger.Info("starting node", "node_id", n.nodeKey.ID, "p2p", n.transport.Endpoint(),
		"network_id", n.genesis.NetworkID, "tip", n.ledger.CanonicalTip())

	if err := n.router.Start(ctx); err != nil {
		return err
	}
	if err := n.relay.Start(ctx); err != nil {
		return err
	}
	if err := n.reactor.Start(ctx); err != nil {
		return err
	}
	if n.informant != nil {
		if err := n.informant.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnStop stops the Node. It implements service.Service.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")

	n.mtx.Lock()
	cancel, servers := n.cancel, n.servers
	n.mtx.Unlock()

	var svcs []service.Service
	if n.informant != nil {
		svcs = append(svcs, n.informant)
	}
	svcs = append(svcs, n.reactor, n.relay, n.router)
	for _, svc := range svcs {
		if !svc.IsRunning() {
			continue
		}
		if err := svc.Stop(); err != nil {
			n.logger.Error("problem stopping service", "service", svc, "err", err)
		}
	}

	if cancel != nil {
		cancel()
	}
	if servers != nil {
		if err := servers.Wait(); err != nil {
			n.logger.Error("server stopped with error", "err", err)
		}
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("problem closing blockstore", "err", err)
	}
}

func (n *Node) servePrometheus(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	n.logger.Info("serving prometheus metrics", "addr", l.Addr())
	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Config returns the Node's config.
func (n *Node) Config() *config.Config { return n.config }

// NodeID returns the Node's ID.
func (n *Node) NodeID() types.NodeID { return n.nodeKey.ID }

// NodeAddress returns the address peers can dial this node on.
func (n *Node) NodeAddress() p2p.NodeAddress {
	return p2p.NodeAddress{NodeID: n.nodeKey.ID, Protocol: p2p.TCPProtocol, Addr: n.transport.Endpoint()}
}

// Ledger returns the Node's ledger engine.
func (n *Node) Ledger() *memledger.Ledger { return n.ledger }

// PeerTable returns the Node's peer table.
func (n *Node) PeerTable() *p2p.PeerTable { return n.peers }

// Router returns the Node's p2p router.
func (n *Node) Router() *p2p.Router { return n.router }

// Controller returns the Node's sync controller.
func (n *Node) Controller() *blocksync.Controller { return n.reactor.Controller() }

// Relay returns the Node's gossip relay.
func (n *Node) Relay() *gossip.Relay { return n.relay }

// RPCEnvironment returns the environment of the RPC methods.
func (n *Node) RPCEnvironment() *rpccore.Environment { return n.rpcEnv }

// RPCListenAddr returns the address the RPC server listens on, or nil if it
// is disabled or the node is not running.
func (n *Node) RPCListenAddr() net.Addr {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.rpcListener == nil {
		return nil
	}
	return n.rpcListener.Addr()
}
