package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tendermint/chainsync/types"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultHomeDir   = ".chainsync"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName  = "config.toml"
	defaultGenesisJSONName = "genesis.json"
	defaultNodeKeyName     = "node_key.json"

	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultGenesisJSONPath = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultNodeKeyPath     = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config defines the top level configuration for a chainsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	RPC             *RPCConfig             `mapstructure:"rpc"`
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Gossip          *GossipConfig          `mapstructure:"gossip"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a chainsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		RPC:             DefaultRPCConfig(),
		P2P:             DefaultP2PConfig(),
		Sync:            DefaultSyncConfig(),
		Gossip:          DefaultGossipConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		RPC:             TestRPCConfig(),
		P2P:             TestP2PConfig(),
		Sync:            TestSyncConfig(),
		Gossip:          DefaultGossipConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.RPC.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [rpc] section")
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [p2p] section")
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [sync] section")
	}
	if err := cfg.Gossip.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [gossip] section")
	}
	return pkgerrors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"Error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a chainsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the JSON file describing the genesis block and network id
	Genesis string `mapstructure:"genesis_file"`

	// A JSON file containing the private key identifying this node to peers
	NodeKey string `mapstructure:"node_key_file"`
}

// DefaultBaseConfig returns a default base configuration for a chainsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Genesis:   defaultGenesisJSONPath,
		NodeKey:   defaultNodeKeyPath,
		Moniker:   defaultMoniker,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a chainsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return filepath.Join(cfg.RootDir, defaultConfigFilePath)
}

// GenesisFile returns the full path to the genesis.json file
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db_backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the log level used unless overridden.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig defines the configuration options for the RPC server
type RPCConfig struct {
	RootDir string `mapstructure:"home"`

	// TCP address for the RPC server to listen on
	ListenAddress string `mapstructure:"laddr"`

	// A list of origins a cross-domain request can be executed from.
	// If the special '*' value is present in the list, all origins will be allowed.
	// An origin may contain a wildcard (*) to replace 0 or more characters (i.e.: http://*.domain.com).
	// Only one wildcard can be used per origin.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// A list of methods the client is allowed to use with cross-domain requests.
	CORSAllowedMethods []string `mapstructure:"cors_allowed_methods"`

	// A list of non simple headers the client is allowed to use with cross-domain requests.
	CORSAllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Maximum number of simultaneous connections (including WebSocket).
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Maximum number of concurrent new-head subscriptions.
	MaxSubscriptionClients int `mapstructure:"max_subscription_clients"`

	// Number of recent heads retained for subscriptions that restart from an
	// earlier height.
	EventLogWindowSize int `mapstructure:"event_log_window_size"`

	// Maximum size of request body, in bytes
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`

	// Maximum size of request header, in bytes
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// DefaultRPCConfig returns a default configuration for the RPC server
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress:      "tcp://127.0.0.1:28657",
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With", "X-Server-Time"},

		MaxOpenConnections:     900,
		MaxSubscriptionClients: 100,
		EventLogWindowSize:     1024,

		MaxBodyBytes:   int64(1000000), // 1MB
		MaxHeaderBytes: 1 << 20,        // same as the net/http default
	}
}

// TestRPCConfig returns a configuration for testing the RPC server
func TestRPCConfig() *RPCConfig {
	cfg := DefaultRPCConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:38657"
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *RPCConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	if cfg.MaxSubscriptionClients < 0 {
		return errors.New("max_subscription_clients can't be negative")
	}
	if cfg.EventLogWindowSize <= 0 {
		return errors.New("event_log_window_size must be positive")
	}
	if cfg.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes can't be negative")
	}
	if cfg.MaxHeaderBytes < 0 {
		return errors.New("max_header_bytes can't be negative")
	}
	return nil
}

// IsCorsEnabled returns true if cross-origin resource sharing is enabled.
func (cfg *RPCConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer layer
type P2PConfig struct {
	RootDir string `mapstructure:"home"`

	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`

	// Comma separated list of nodes to keep persistent connections to,
	// formatted as id@host:port
	PersistentPeers string `mapstructure:"persistent_peers"`

	// Maximum number of connected peers
	MaxConnections int `mapstructure:"max_connections"`

	// Number of peers the node tries to stay connected to
	IdealPeers int `mapstructure:"ideal_peers"`

	// Time allowed for the handshake after a connection is established
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// Time allowed to establish an outbound connection
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// Maximum backoff between redials of a persistent peer
	MaxRedialPeriod time.Duration `mapstructure:"max_redial_period"`

	// Maximum size of a single message, in bytes
	MaxMessageSize int `mapstructure:"max_message_size"`

	// Number of outbound messages buffered per peer before sends block
	SendQueueSize int `mapstructure:"send_queue_size"`

	// Score at or below which a peer is disconnected
	ScoreFloor int `mapstructure:"score_floor"`

	// How long a banned peer is refused
	BanDuration time.Duration `mapstructure:"ban_duration"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:    "tcp://0.0.0.0:28656",
		MaxConnections:   50,
		IdealPeers:       25,
		HandshakeTimeout: 20 * time.Second,
		DialTimeout:      3 * time.Second,
		MaxRedialPeriod:  time.Minute,
		MaxMessageSize:   16 * 1024 * 1024,
		SendQueueSize:    256,
		ScoreFloor:       -100,
		BanDuration:      30 * time.Minute,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:38656"
	cfg.HandshakeTimeout = time.Second
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRedialPeriod = time.Second
	cfg.BanDuration = time.Minute
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if cfg.IdealPeers <= 0 || cfg.IdealPeers > cfg.MaxConnections {
		return errors.New("ideal_peers must be positive and at most max_connections")
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if cfg.DialTimeout <= 0 {
		return errors.New("dial_timeout must be positive")
	}
	if cfg.MaxRedialPeriod < 0 {
		return errors.New("max_redial_period can't be negative")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("send_queue_size must be positive")
	}
	if cfg.ScoreFloor >= 0 {
		return errors.New("score_floor must be negative")
	}
	if cfg.BanDuration < 0 {
		return errors.New("ban_duration can't be negative")
	}
	return nil
}

// PersistentPeerList splits PersistentPeers into its entries.
func (cfg *P2PConfig) PersistentPeerList() []string {
	var peers []string
	for _, p := range strings.Split(cfg.PersistentPeers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the chain synchronization engine
type SyncConfig struct {
	// Maximum number of requests in flight across all peers
	MaxRequestsInFlight int `mapstructure:"max_requests_in_flight"`

	// Maximum number of requests in flight on a fully responsive peer. The
	// effective cap scales with the peer's responsiveness but is never
	// below one.
	MaxRequestsPerPeer int `mapstructure:"max_requests_per_peer"`

	// Number of failed attempts after which a piece of work is stalled
	RetryBudget int `mapstructure:"retry_budget"`

	// Deadline for a single request
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Maximum number of headers asked for in one request
	HeadersPerRequest int `mapstructure:"headers_per_request"`

	// Maximum number of bodies asked for in one request
	BodiesPerRequest int `mapstructure:"bodies_per_request"`

	// Maximum number of blocks held by the import queue
	MaxPendingBlocks int `mapstructure:"max_pending_blocks"`

	// Maximum length of a chain of blocks parked on a missing ancestor
	MaxParkedDepth int `mapstructure:"max_parked_depth"`

	// Deepest reorganization the node will follow
	MaxReorgDepth uint64 `mapstructure:"max_reorg_depth"`

	// Number of lighter branch tips remembered
	MaxAlternativeTips int `mapstructure:"max_alternative_tips"`

	// Time bodies sourced only from a banned peer are kept before being dropped
	BannedSourceGracePeriod time.Duration `mapstructure:"banned_source_grace_period"`

	// Interval between controller steps
	StepInterval time.Duration `mapstructure:"step_interval"`

	// Interval between status broadcasts to peers
	StatusInterval time.Duration `mapstructure:"status_interval"`

	// Score removed from a peer that lets a request time out
	TimeoutPenalty int `mapstructure:"timeout_penalty"`

	// Score removed from a peer that sends unrequested or malformed data
	ProtocolPenalty int `mapstructure:"protocol_penalty"`
}

// DefaultSyncConfig returns a default configuration for the sync engine
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxRequestsInFlight:     64,
		MaxRequestsPerPeer:      4,
		RetryBudget:             3,
		RequestTimeout:          10 * time.Second,
		HeadersPerRequest:       192,
		BodiesPerRequest:        64,
		MaxPendingBlocks:        4096,
		MaxParkedDepth:          256,
		MaxReorgDepth:           1024,
		MaxAlternativeTips:      16,
		BannedSourceGracePeriod: 30 * time.Second,
		StepInterval:            100 * time.Millisecond,
		StatusInterval:          15 * time.Second,
		TimeoutPenalty:          10,
		ProtocolPenalty:         20,
	}
}

// TestSyncConfig returns a configuration for testing the sync engine
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.RetryBudget = 2
	cfg.RequestTimeout = time.Second
	cfg.HeadersPerRequest = 16
	cfg.BodiesPerRequest = 8
	cfg.MaxPendingBlocks = 512
	cfg.MaxParkedDepth = 64
	cfg.MaxReorgDepth = 128
	cfg.BannedSourceGracePeriod = time.Second
	cfg.StepInterval = 10 * time.Millisecond
	cfg.StatusInterval = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	switch {
	case cfg.MaxRequestsInFlight <= 0:
		return errors.New("max_requests_in_flight must be positive")
	case cfg.MaxRequestsPerPeer <= 0:
		return errors.New("max_requests_per_peer must be positive")
	case cfg.RetryBudget <= 0:
		return errors.New("retry_budget must be positive")
	case cfg.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case cfg.HeadersPerRequest <= 0:
		return errors.New("headers_per_request must be positive")
	case cfg.BodiesPerRequest <= 0:
		return errors.New("bodies_per_request must be positive")
	case cfg.MaxPendingBlocks <= 0:
		return errors.New("max_pending_blocks must be positive")
	case cfg.MaxParkedDepth <= 0:
		return errors.New("max_parked_depth must be positive")
	case cfg.MaxReorgDepth == 0:
		return errors.New("max_reorg_depth must be positive")
	case cfg.MaxAlternativeTips < 0:
		return errors.New("max_alternative_tips can't be negative")
	case cfg.BannedSourceGracePeriod < 0:
		return errors.New("banned_source_grace_period can't be negative")
	case cfg.StepInterval <= 0:
		return errors.New("step_interval must be positive")
	case cfg.StatusInterval <= 0:
		return errors.New("status_interval must be positive")
	case cfg.TimeoutPenalty < 0:
		return errors.New("timeout_penalty can't be negative")
	case cfg.ProtocolPenalty < 0:
		return errors.New("protocol_penalty can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// GossipConfig

// GossipConfig defines the configuration for block and transaction relay
type GossipConfig struct {
	// Number of recently relayed hashes remembered
	SeenSetSize int `mapstructure:"seen_set_size"`

	// Number of hashes remembered per peer as already known to it
	KnownPerPeer int `mapstructure:"known_per_peer"`

	// Relay transactions in addition to block announcements
	RelayTransactions bool `mapstructure:"relay_transactions"`

	// Maximum size of a relayed transaction, in bytes
	MaxTxBytes int `mapstructure:"max_tx_bytes"`
}

// DefaultGossipConfig returns a default configuration for the relay
func DefaultGossipConfig() *GossipConfig {
	return &GossipConfig{
		SeenSetSize:       32768,
		KnownPerPeer:      4096,
		RelayTransactions: true,
		MaxTxBytes:        types.MaxTxBytes,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *GossipConfig) ValidateBasic() error {
	if cfg.SeenSetSize <= 0 {
		return errors.New("seen_set_size must be positive")
	}
	if cfg.KnownPerPeer <= 0 {
		return errors.New("known_per_peer must be positive")
	}
	if cfg.MaxTxBytes <= 0 || cfg.MaxTxBytes > types.MaxTxBytes {
		return fmt.Errorf("max_tx_bytes must be in (0, %d]", types.MaxTxBytes)
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`

	// Interval between progress reports in the log. 0 disables them.
	InformantInterval time.Duration `mapstructure:"informant_interval"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":28660",
		MaxOpenConnections:   3,
		Namespace:            "chainsync",
		InformantInterval:    5 * time.Second,
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	cfg := DefaultInstrumentationConfig()
	cfg.InformantInterval = 0
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	if cfg.InformantInterval < 0 {
		return errors.New("informant_interval can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
