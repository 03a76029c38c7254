package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/creachadair/atomicfile"

	"github.com/tendermint/chainsync/types"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("could not create directory %q: %w", dir, err)
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// the config file under rootDir. This function is called by
// cmd/chainsync/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := cfg.WriteTemplateTo(&buffer); err != nil {
		return err
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// WriteTemplateTo renders the config in the default toml template to w.
func (cfg *Config) WriteTemplateTo(w io.Writer) error {
	return configTemplate.Execute(w, cfg)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/chainsync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file describing the genesis block and network id
genesis_file = "{{ js .BaseConfig.Genesis }}"

# Path to the JSON file containing the private key identifying this node to peers
node_key_file = "{{ js .BaseConfig.NodeKey }}"

#######################################################
###       RPC Server Configuration Options          ###
#######################################################
[rpc]

# TCP address for the RPC server to listen on
laddr = "{{ .RPC.ListenAddress }}"

# A list of origins a cross-domain request can be executed from
# Default value '[]' disables cors support
# Use '["*"]' to allow any origin
cors_allowed_origins = [{{ range .RPC.CORSAllowedOrigins }}{{ printf "%q, " . }}{{end}}]

# A list of methods the client is allowed to use with cross-domain requests
cors_allowed_methods = [{{ range .RPC.CORSAllowedMethods }}{{ printf "%q, " . }}{{end}}]

# A list of non simple headers the client is allowed to use with cross-domain requests
cors_allowed_headers = [{{ range .RPC.CORSAllowedHeaders }}{{ printf "%q, " . }}{{end}}]

# Maximum number of simultaneous connections (including WebSocket).
# 0 - unlimited.
max_open_connections = {{ .RPC.MaxOpenConnections }}

# Maximum number of concurrent new-head subscriptions
max_subscription_clients = {{ .RPC.MaxSubscriptionClients }}

# Number of recent heads retained for subscriptions restarting from an
# earlier height
event_log_window_size = {{ .RPC.EventLogWindowSize }}

# Maximum size of request body, in bytes
max_body_bytes = {{ .RPC.MaxBodyBytes }}

# Maximum size of request header, in bytes
max_header_bytes = {{ .RPC.MaxHeaderBytes }}

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Comma separated list of nodes to keep persistent connections to
# (id@host:port)
persistent_peers = "{{ .P2P.PersistentPeers }}"

# Maximum number of connected peers
max_connections = {{ .P2P.MaxConnections }}

# Number of peers the node tries to stay connected to
ideal_peers = {{ .P2P.IdealPeers }}

# Time allowed for the handshake after a connection is established
handshake_timeout = "{{ .P2P.HandshakeTimeout }}"

# Time allowed to establish an outbound connection
dial_timeout = "{{ .P2P.DialTimeout }}"

# Maximum backoff between redials of a persistent peer
max_redial_period = "{{ .P2P.MaxRedialPeriod }}"

# Maximum size of a single message, in bytes
max_message_size = {{ .P2P.MaxMessageSize }}

# Number of outbound messages buffered per peer
send_queue_size = {{ .P2P.SendQueueSize }}

# Score at or below which a peer is disconnected
score_floor = {{ .P2P.ScoreFloor }}

# How long a banned peer is refused
ban_duration = "{{ .P2P.BanDuration }}"

#######################################################
###       Chain Sync Configuration Options          ###
#######################################################
[sync]

# Maximum number of requests in flight across all peers
max_requests_in_flight = {{ .Sync.MaxRequestsInFlight }}

# Maximum number of requests in flight on a fully responsive peer
max_requests_per_peer = {{ .Sync.MaxRequestsPerPeer }}

# Number of failed attempts after which a piece of work is stalled
retry_budget = {{ .Sync.RetryBudget }}

# Deadline for a single request
request_timeout = "{{ .Sync.RequestTimeout }}"

# Maximum number of headers asked for in one request
headers_per_request = {{ .Sync.HeadersPerRequest }}

# Maximum number of bodies asked for in one request
bodies_per_request = {{ .Sync.BodiesPerRequest }}

# Maximum number of blocks held by the import queue
max_pending_blocks = {{ .Sync.MaxPendingBlocks }}

# Maximum length of a chain of blocks parked on a missing ancestor
max_parked_depth = {{ .Sync.MaxParkedDepth }}

# Deepest reorganization the node will follow
max_reorg_depth = {{ .Sync.MaxReorgDepth }}

# Number of lighter branch tips remembered
max_alternative_tips = {{ .Sync.MaxAlternativeTips }}

# Time bodies sourced only from a banned peer are kept before being dropped
banned_source_grace_period = "{{ .Sync.BannedSourceGracePeriod }}"

# Interval between controller steps
step_interval = "{{ .Sync.StepInterval }}"

# Interval between status broadcasts to peers
status_interval = "{{ .Sync.StatusInterval }}"

# Score removed from a peer that lets a request time out
timeout_penalty = {{ .Sync.TimeoutPenalty }}

# Score removed from a peer that sends unrequested or malformed data
protocol_penalty = {{ .Sync.ProtocolPenalty }}

#######################################################
###          Gossip Configuration Options           ###
#######################################################
[gossip]

# Number of recently relayed hashes remembered
seen_set_size = {{ .Gossip.SeenSetSize }}

# Number of hashes remembered per peer as already known to it
known_per_peer = {{ .Gossip.KnownPerPeer }}

# Relay transactions in addition to block announcements
relay_transactions = {{ .Gossip.RelayTransactions }}

# Maximum size of a relayed transaction, in bytes
max_tx_bytes = {{ .Gossip.MaxTxBytes }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max_open_connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"

# Interval between progress reports in the log. "0s" disables them.
informant_interval = "{{ .Instrumentation.InformantInterval }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory under dir with a default
// config file, a test genesis document and returns a test configuration
// rooted at it.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under os.TempDir()
	rootDir, err := os.MkdirTemp(dir, testName+"_")
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	// Write default config file if missing.
	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	conf := TestConfig().SetRoot(rootDir)
	if _, err := os.Stat(conf.GenesisFile()); errors.Is(err, os.ErrNotExist) {
		genDoc := TestGenesisDoc()
		if err := genDoc.SaveAs(conf.GenesisFile()); err != nil {
			return nil, err
		}
	}

	conf.Instrumentation.Namespace = fmt.Sprintf("%s_%d", sanitizeNamespace(testName), time.Now().UnixNano())
	return conf, nil
}

// TestGenesisDoc returns the genesis document used by test networks.
func TestGenesisDoc() *types.GenesisDoc {
	return &types.GenesisDoc{
		NetworkID:   1337,
		GenesisTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Difficulty:  1,
		Extra:       []byte("chainsync test network"),
	}
}

func sanitizeNamespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
