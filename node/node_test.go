package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/rpc/coretypes"
	rpcserver "github.com/tendermint/chainsync/rpc/server"
	"github.com/tendermint/chainsync/types"
)

func memDBProvider(*config.DBContext) (dbm.DB, error) { return dbm.NewMemDB(), nil }

func testNodeConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.TestConfig()
	cfg.SetRoot(t.TempDir())
	cfg.P2P.ListenAddress = "tcp://127.0.0.1:0"
	cfg.RPC.ListenAddress = "tcp://127.0.0.1:0"
	return cfg
}

func makeTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := makeNode(cfg, factory.GenesisDoc(), types.GenNodeKey(), memDBProvider,
		defaultMetricsProvider(cfg.Instrumentation), clock.New(), log.NewNopLogger())
	require.NoError(t, err)
	return n
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := makeTestNode(t, testNodeConfig(t))
	require.NoError(t, n.Start(ctx))
	assert.True(t, n.IsRunning())
	assert.True(t, n.Router().IsRunning())
	require.NotNil(t, n.RPCListenAddr())

	require.NoError(t, n.Stop())
	n.Wait()
	assert.False(t, n.Router().IsRunning())
}

func TestNodeSyncsFromPersistentPeer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := factory.Chain(30, 10)

	source := makeTestNode(t, testNodeConfig(t))
	for _, b := range blocks[1:] {
		_, err := source.Ledger().ValidateAndApply(ctx, b)
		require.NoError(t, err)
	}
	require.NoError(t, source.Start(ctx))
	defer func() { require.NoError(t, source.Stop()) }()

	cfg := testNodeConfig(t)
	cfg.P2P.PersistentPeers = source.NodeAddress().String()
	sink := makeTestNode(t, cfg)
	require.NoError(t, sink.Start(ctx))
	defer func() { require.NoError(t, sink.Stop()) }()

	want := blocks[30].Header.Head()
	require.Eventually(t, func() bool {
		return sink.Ledger().CanonicalTip() == want
	}, 10*time.Second, 20*time.Millisecond)

	// the RPC server reports the progress
	require.Eventually(t, func() bool {
		st := syncStatus(t, sink)
		return st.CurrentHeight == 30 && st.ConnectedPeers == 1
	}, 5*time.Second, 20*time.Millisecond)

	// and the event log saw every imported head
	info := sink.RPCEnvironment().EventLog.Info()
	assert.Equal(t, 30, info.Size)
}

func syncStatus(t *testing.T, n *Node) coretypes.ResultSyncStatus {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "sync_status"})
	require.NoError(t, err)
	rsp, err := http.Post("http://"+n.RPCListenAddr().String(), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer rsp.Body.Close()

	var out rpcserver.RPCResponse
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&out))
	require.Nil(t, out.Error)
	var st coretypes.ResultSyncStatus
	require.NoError(t, json.Unmarshal(out.Result, &st))
	return st
}

func TestNewFromFiles(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.RPC.ListenAddress = ""
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.GenesisFile()), 0o700))
	require.NoError(t, factory.GenesisDoc().SaveAs(cfg.GenesisFile()))

	n, err := New(cfg, log.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, factory.GenesisDoc().Hash(), n.Ledger().CanonicalTip().Hash)

	// the node key was generated and persisted
	key, err := types.LoadNodeKey(cfg.NodeKeyFile())
	require.NoError(t, err)
	assert.Equal(t, key.ID, n.NodeID())
	require.NoError(t, n.transport.Close())
	require.NoError(t, n.db.Close())
}

func TestMakeNode_InvalidConfig(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.P2P.PersistentPeers = "not-an-address"
	_, err := makeNode(cfg, factory.GenesisDoc(), types.GenNodeKey(), memDBProvider,
		defaultMetricsProvider(cfg.Instrumentation), clock.New(), log.NewNopLogger())
	require.Error(t, err)

	cfg = testNodeConfig(t)
	cfg.Sync.RetryBudget = 0
	_, err = makeNode(cfg, factory.GenesisDoc(), types.GenNodeKey(), memDBProvider,
		defaultMetricsProvider(cfg.Instrumentation), clock.New(), log.NewNopLogger())
	require.Error(t, err)
}
