package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/cli"
	"github.com/tendermint/chainsync/types"
	"github.com/tendermint/chainsync/version"
)

// testSetup builds the full command tree with a fresh config and viper
// instance, rooted at a temporary home directory.
func testSetup(t *testing.T, conf *config.Config, args ...string) (cli.Executor, *bytes.Buffer) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	rcmd := RootCommand(conf)
	rcmd.AddCommand(
		MakeInitFilesCommand(conf),
		MakeShowNodeIDCommand(conf),
		MakeVersionCommand(),
		stubCommand(conf),
	)
	exec := cli.PrepareBaseCmd(rcmd, "CS_TEST", t.TempDir())
	exec.Exit = func(int) {}

	out := &bytes.Buffer{}
	exec.SetOut(out)
	exec.SetArgs(args)
	return exec, out
}

// stubCommand carries the node flags without starting a node.
func stubCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:  "stub",
		RunE: func(cmd *cobra.Command, args []string) error { return nil },
	}
	AddNodeFlags(cmd, conf)
	return cmd
}

func TestRootHome(t *testing.T) {
	home := t.TempDir()
	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "stub", "--home", home)
	require.NoError(t, exec.Execute())

	assert.Equal(t, home, conf.RootDir)
	assert.Equal(t, filepath.Join(home, "config", "genesis.json"), conf.GenesisFile())

	// the root directory was created with a default config file
	_, err := os.Stat(filepath.Join(home, "config", "config.toml"))
	require.NoError(t, err)
}

func TestRootFlagsEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CS_TEST_MONIKER", "from-env")

	testCases := []struct {
		name    string
		args    []string
		moniker string
		laddr   string
		level   string
	}{
		{"env", []string{"stub"}, "from-env", config.DefaultP2PConfig().ListenAddress, config.DefaultLogLevel},
		{"flags win", []string{"stub", "--moniker", "from-flag", "--p2p.laddr", "tcp://127.0.0.1:1234"},
			"from-flag", "tcp://127.0.0.1:1234", config.DefaultLogLevel},
		{"persistent flag", []string{"stub", "--log_level", "debug"}, "from-env", config.DefaultP2PConfig().ListenAddress, "debug"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			conf := config.DefaultConfig()
			exec, _ := testSetup(t, conf, append(tc.args, "--home", home)...)
			require.NoError(t, exec.Execute())
			assert.Equal(t, tc.moniker, conf.Moniker)
			assert.Equal(t, tc.laddr, conf.P2P.ListenAddress)
			assert.Equal(t, tc.level, conf.LogLevel)
		})
	}
}

func TestRootConfigFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, config.EnsureRoot(home))
	cfg := config.DefaultConfig()
	cfg.Moniker = "from-file"
	cfg.Sync.MaxRequestsPerPeer = 3
	require.NoError(t, config.WriteConfigFile(home, cfg))

	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "stub", "--home", home)
	require.NoError(t, exec.Execute())
	assert.Equal(t, "from-file", conf.Moniker)
	assert.Equal(t, 3, conf.Sync.MaxRequestsPerPeer)
}

func TestRootInvalidConfig(t *testing.T) {
	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "stub", "--home", t.TempDir(), "--log_format", "xml")
	err := exec.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in config file")
}

func TestInitFiles(t *testing.T) {
	home := t.TempDir()
	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "init", "--home", home, "--network_id", "42")
	require.NoError(t, exec.Execute())

	genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.EqualValues(t, 42, genDoc.NetworkID)

	key, err := types.LoadNodeKey(conf.NodeKeyFile())
	require.NoError(t, err)

	// running it again keeps the existing files
	conf = config.DefaultConfig()
	exec, _ = testSetup(t, conf, "init", "--home", home, "--network_id", "7")
	require.NoError(t, exec.Execute())
	again, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.Equal(t, genDoc.Hash(), again.Hash())

	// and show-node-id prints the generated key
	conf = config.DefaultConfig()
	exec, out := testSetup(t, conf, "show-node-id", "--home", home)
	require.NoError(t, exec.Execute())
	assert.Equal(t, string(key.ID), strings.TrimSpace(out.String()))
}

func TestInitFiles_UpdatesExistingConfig(t *testing.T) {
	home := t.TempDir()
	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "init", "--home", home)
	require.NoError(t, exec.Execute())

	// an older file: an edited value and a setting it predates
	path := conf.ConfigFile()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "moniker ="):
			line = `moniker = "edited"`
		case strings.HasPrefix(line, "max_parked_depth ="):
			continue
		}
		lines = append(lines, line)
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644))

	conf = config.DefaultConfig()
	exec, _ = testSetup(t, conf, "init", "--home", home)
	require.NoError(t, exec.Execute())

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `moniker = "edited"`)
	assert.Contains(t, string(data), "max_parked_depth = 256")

	conf = config.DefaultConfig()
	exec, _ = testSetup(t, conf, "stub", "--home", home)
	require.NoError(t, exec.Execute())
	assert.Equal(t, "edited", conf.Moniker)
	assert.Equal(t, config.DefaultSyncConfig().MaxParkedDepth, conf.Sync.MaxParkedDepth)
}

func TestShowNodeID_Missing(t *testing.T) {
	conf := config.DefaultConfig()
	exec, _ := testSetup(t, conf, "show-node-id", "--home", t.TempDir())
	require.Error(t, exec.Execute())
}

func TestVersion(t *testing.T) {
	conf := config.DefaultConfig()
	exec, out := testSetup(t, conf, "version")
	require.NoError(t, exec.Execute())
	assert.Equal(t, version.Version, strings.TrimSpace(out.String()))

	conf = config.DefaultConfig()
	exec, out = testSetup(t, conf, "version", "--verbose")
	require.NoError(t, exec.Execute())
	assert.Contains(t, out.String(), `"p2p_protocol": 1`)
}
