package node

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/internal/gossip"
	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

type nodeMetrics struct {
	p2p       *p2p.Metrics
	blocksync *blocksync.Metrics
	gossip    *gossip.Metrics
	eventlog  *eventlog.Metrics
}

// metricsProvider returns the metrics of all packages.
type metricsProvider func(networkID uint64) *nodeMetrics

// defaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func(networkID uint64) *nodeMetrics {
		if cfg.Prometheus {
			label := fmt.Sprint(networkID)
			return &nodeMetrics{
				p2p:       p2p.PrometheusMetrics(cfg.Namespace, "network_id", label),
				blocksync: blocksync.PrometheusMetrics(cfg.Namespace, "network_id", label),
				gossip:    gossip.PrometheusMetrics(cfg.Namespace, "network_id", label),
				eventlog:  eventlog.PrometheusMetrics(cfg.Namespace, "network_id", label),
			}
		}
		return &nodeMetrics{
			p2p:       p2p.NopMetrics(),
			blocksync: blocksync.NopMetrics(),
			gossip:    gossip.NopMetrics(),
			eventlog:  eventlog.NopMetrics(),
		}
	}
}

func makeNodeInfo(cfg *config.Config, nodeKey types.NodeKey, genDoc *types.GenesisDoc, engine ledger.Engine) func() p2p.NodeInfo {
	listenAddr := cfg.P2P.ListenAddress
	genesis := genDoc.Hash()
	return func() p2p.NodeInfo {
		return p2p.NodeInfo{
			NodeID:          nodeKey.ID,
			ProtocolVersion: p2p.ProtocolVersion,
			NetworkID:       genDoc.NetworkID,
			Genesis:         genesis,
			Capabilities:    nodeCapabilities(cfg.Gossip),
			Head:            engine.CanonicalTip(),
			ListenAddr:      listenAddr,
			Moniker:         cfg.Moniker,
		}
	}
}

func nodeCapabilities(cfg *config.GossipConfig) p2p.CapabilitySet {
	caps := []p2p.Capability{p2p.CapHeaders, p2p.CapBodies, p2p.CapAnnounce}
	if cfg.RelayTransactions {
		caps = append(caps, p2p.CapTxRelay)
	}
	return p2p.NewCapabilitySet(caps...)
}

func parsePersistentPeers(cfg *config.P2PConfig) ([]p2p.NodeAddress, []types.NodeID, error) {
	var (
		addrs []p2p.NodeAddress
		ids   []types.NodeID
	)
	for _, s := range cfg.PersistentPeerList() {
		addr, err := p2p.ParseNodeAddress(s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid peer address %q: %w", s, err)
		}
		addrs = append(addrs, addr)
		ids = append(ids, addr.NodeID)
	}
	return addrs, ids, nil
}

func createTransport(logger log.Logger, cfg *config.P2PConfig) (*p2p.TCPTransport, error) {
	addr := cfg.ListenAddress
	if i := strings.Index(addr, "://"); i >= 0 {
		if proto := p2p.Protocol(addr[:i]); proto != p2p.TCPProtocol {
			return nil, fmt.Errorf("unsupported p2p protocol %q", proto)
		}
		addr = addr[i+3:]
	}
	transport := p2p.NewTCPTransport(logger, p2p.TCPTransportOptions{
		MaxAcceptedConnections: uint32(cfg.MaxConnections),
		MaxMessageSize:         cfg.MaxMessageSize,
		DialTimeout:            cfg.DialTimeout,
	})
	if err := transport.Listen(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}
	return transport, nil
}

func createRouter(
	logger log.Logger,
	cfg *config.Config,
	metrics *p2p.Metrics,
	nodeKey types.NodeKey,
	nodeInfo func() p2p.NodeInfo,
	peers *p2p.PeerTable,
	transport p2p.Transport,
	persistent []p2p.NodeAddress,
	clk clock.Clock,
) (*p2p.Router, error) {
	return p2p.NewRouter(
		logger.With("module", "p2p"),
		metrics,
		nodeKey,
		nodeInfo,
		peers,
		transport,
		clk,
		p2p.RouterOptions{
			HandshakeTimeout: cfg.P2P.HandshakeTimeout,
			MaxRedialPeriod:  cfg.P2P.MaxRedialPeriod,
			SendQueueSize:    cfg.P2P.SendQueueSize,
			ProtocolPenalty:  cfg.Sync.ProtocolPenalty,
			PersistentPeers:  persistent,
		},
	)
}
