package confix_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/libs/confix"
)

func TestSettings(t *testing.T) {
	var paths []string
	for _, s := range confix.Settings() {
		paths = append(paths, strings.Join(s.Path(), "."))
	}
	assert.Contains(t, paths, "moniker")
	assert.Contains(t, paths, "sync.max_pending_blocks")
	assert.Contains(t, paths, "p2p.laddr")
	assert.Contains(t, paths, "instrumentation.namespace")
}

func TestUpgrade(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	const old = `# operator notes stay
moniker = "alpha"

[sync]
retry_budget = 9
`
	require.NoError(t, os.WriteFile(path, []byte(old), 0644))

	require.NoError(t, confix.Upgrade(context.Background(), config.DefaultConfig(), path, path))

	doc, err := confix.LoadConfig(path)
	require.NoError(t, err)
	for _, key := range [][]string{
		{"db_backend"},
		{"sync", "max_pending_blocks"},
		{"gossip", "seen_set_size"},
		{"instrumentation", "prometheus"},
	} {
		assert.NotNil(t, doc.First(key...), "missing %s", strings.Join(key, "."))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# operator notes stay")
	assert.Contains(t, string(data), `moniker = "alpha"`)
	assert.Contains(t, string(data), "retry_budget = 9")
	assert.NotContains(t, string(data), "retry_budget = 3")
}

func TestUpgrade_MissingFile(t *testing.T) {
	err := confix.Upgrade(context.Background(), config.DefaultConfig(), filepath.Join(t.TempDir(), "none.toml"), "")
	require.Error(t, err)
}
