package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, EnsureRoot(tmpDir))
	require.NoError(t, WriteConfigFile(tmpDir, DefaultConfig()))

	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data")
}

func TestEnsureTestRoot(t *testing.T) {
	cfg, err := ResetTestRoot(t.TempDir(), "ensureTestRoot")
	require.NoError(t, err)
	rootDir := cfg.RootDir

	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)
	checkConfig(t, string(data))

	ensureFiles(t, rootDir, "data", defaultGenesisJSONPath)
}

func TestTemplateRoundTripsThroughTOML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2P.PersistentPeers = "abc@127.0.0.1:28656"
	cfg.RPC.CORSAllowedOrigins = []string{"*"}

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.WriteToTemplate(path))

	var decoded struct {
		Moniker string `toml:"moniker"`
		P2P     struct {
			PersistentPeers string `toml:"persistent_peers"`
			ScoreFloor      int    `toml:"score_floor"`
		} `toml:"p2p"`
		RPC struct {
			CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
		} `toml:"rpc"`
		Sync struct {
			RetryBudget    int    `toml:"retry_budget"`
			RequestTimeout string `toml:"request_timeout"`
		} `toml:"sync"`
	}
	_, err := toml.DecodeFile(path, &decoded)
	require.NoError(t, err)

	assert.Equal(t, cfg.Moniker, decoded.Moniker)
	assert.Equal(t, cfg.P2P.PersistentPeers, decoded.P2P.PersistentPeers)
	assert.Equal(t, cfg.P2P.ScoreFloor, decoded.P2P.ScoreFloor)
	assert.Equal(t, []string{"*"}, decoded.RPC.CORSAllowedOrigins)
	assert.Equal(t, cfg.Sync.RetryBudget, decoded.Sync.RetryBudget)
	assert.Equal(t, cfg.Sync.RequestTimeout.String(), decoded.Sync.RequestTimeout)
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()

	var elems = []string{
		"moniker",
		"db_backend",
		"db_dir",
		"genesis_file",
		"node_key_file",
		"[rpc]",
		"laddr",
		"[p2p]",
		"persistent_peers",
		"[sync]",
		"retry_budget",
		"max_requests_per_peer",
		"[gossip]",
		"seen_set_size",
		"[instrumentation]",
		"prometheus",
	}
	for _, e := range elems {
		assert.Contains(t, configFile, e)
	}
}
