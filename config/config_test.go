package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.Gossip)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.Genesis = "bar"
	cfg.DBPath = "/opt/data"

	assert.Equal("/foo/bar", cfg.GenesisFile())
	assert.Equal("/opt/data", cfg.DBDir())
	assert.Equal("/foo/config/node_key.json", cfg.NodeKeyFile())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Sync.RequestTimeout = -10 * time.Second
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error in [sync] section")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with log format
	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.DBBackend = "cleveldb"
	assert.Error(t, cfg.ValidateBasic())
}

func TestSyncConfigValidateBasic(t *testing.T) {
	fieldsToTest := map[string]func(*SyncConfig){
		"MaxRequestsInFlight":     func(c *SyncConfig) { c.MaxRequestsInFlight = 0 },
		"MaxRequestsPerPeer":      func(c *SyncConfig) { c.MaxRequestsPerPeer = -1 },
		"RetryBudget":             func(c *SyncConfig) { c.RetryBudget = 0 },
		"RequestTimeout":          func(c *SyncConfig) { c.RequestTimeout = 0 },
		"HeadersPerRequest":       func(c *SyncConfig) { c.HeadersPerRequest = 0 },
		"BodiesPerRequest":        func(c *SyncConfig) { c.BodiesPerRequest = 0 },
		"MaxPendingBlocks":        func(c *SyncConfig) { c.MaxPendingBlocks = 0 },
		"MaxParkedDepth":          func(c *SyncConfig) { c.MaxParkedDepth = 0 },
		"MaxReorgDepth":           func(c *SyncConfig) { c.MaxReorgDepth = 0 },
		"MaxAlternativeTips":      func(c *SyncConfig) { c.MaxAlternativeTips = -1 },
		"BannedSourceGracePeriod": func(c *SyncConfig) { c.BannedSourceGracePeriod = -time.Second },
		"StepInterval":            func(c *SyncConfig) { c.StepInterval = 0 },
		"StatusInterval":          func(c *SyncConfig) { c.StatusInterval = 0 },
		"TimeoutPenalty":          func(c *SyncConfig) { c.TimeoutPenalty = -1 },
		"ProtocolPenalty":         func(c *SyncConfig) { c.ProtocolPenalty = -1 },
	}

	for name, tamper := range fieldsToTest {
		tamper := tamper
		t.Run(name, func(t *testing.T) {
			cfg := TestSyncConfig()
			require.NoError(t, cfg.ValidateBasic())
			tamper(cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestP2PConfigValidateBasic(t *testing.T) {
	cfg := TestP2PConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.IdealPeers = cfg.MaxConnections + 1
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestP2PConfig()
	cfg.ScoreFloor = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestPersistentPeerList(t *testing.T) {
	cfg := TestP2PConfig()
	cfg.PersistentPeers = " a@127.0.0.1:1, ,b@127.0.0.1:2,"
	assert.Equal(t, []string{"a@127.0.0.1:1", "b@127.0.0.1:2"}, cfg.PersistentPeerList())
}
