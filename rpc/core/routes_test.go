package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/rpc/coretypes"
	rpcserver "github.com/tendermint/chainsync/rpc/server"
	"github.com/tendermint/chainsync/types"
)

type staticSync blocksync.Status

func (s staticSync) Status() blocksync.Status { return blocksync.Status(s) }

type recordingSubmitter struct {
	mtx sync.Mutex
	txs []types.Tx
}

func (r *recordingSubmitter) SubmitTransaction(tx types.Tx) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.txs = append(r.txs, tx)
	return nil
}

func startTestServer(t *testing.T, env *Environment) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(env.Handler(log.TestingLogger(), rpcserver.DefaultConfig()))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, url, method string, params interface{}, result interface{}) *rpcserver.RPCError {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	rsp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer rsp.Body.Close()
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	var out rpcserver.RPCResponse
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&out))
	if out.Error != nil {
		return out.Error
	}
	if result != nil {
		require.NoError(t, json.Unmarshal(out.Result, result))
	}
	return nil
}

func TestSyncStatus(t *testing.T) {
	env, blocks := newTestEnv(t, 10)
	env.Sync = staticSync{
		State:          blocksync.StateDownloadingBodies,
		Tip:            blocks[5].Header.Head(),
		Target:         blocks[20].Header.Head(),
		TargetPeer:     "peer-a",
		ConnectedPeers: 3,
		InFlight:       2,
		Queued:         map[blocksync.Stage]int{blocksync.StageUnverified: 4, blocksync.StageReadyToImport: 1},
	}
	srv := startTestServer(t, env)

	var res coretypes.ResultSyncStatus
	require.Nil(t, call(t, srv.URL, "sync_status", nil, &res))
	assert.Equal(t, "downloading_bodies", res.State)
	assert.True(t, res.Syncing)
	assert.EqualValues(t, 5, res.CurrentHeight)
	assert.Equal(t, blocks[5].Hash(), res.CurrentHash)
	assert.EqualValues(t, 20, res.TargetHeight)
	assert.Equal(t, "peer-a", res.TargetPeer)
	assert.Equal(t, 3, res.ConnectedPeers)
	assert.Equal(t, 5, res.Queued)
	assert.False(t, res.Stalled)
}

func TestSubmitTransaction(t *testing.T) {
	env, _ := newTestEnv(t, 10)
	submitter := &recordingSubmitter{}
	env.Relay = submitter
	srv := startTestServer(t, env)

	tx := types.Tx("a transaction")
	var res coretypes.ResultSubmitTransaction
	require.Nil(t, call(t, srv.URL, "submit_transaction", coretypes.RequestSubmitTransaction{Tx: tx}, &res))
	assert.Equal(t, tx.Hash(), res.Hash)
	assert.Equal(t, []types.Tx{tx}, submitter.txs)

	rpcErr := call(t, srv.URL, "submit_transaction", coretypes.RequestSubmitTransaction{}, nil)
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, types.ErrMalformedTx.Error())

	rpcErr = call(t, srv.URL, "submit_transaction", "not an object", nil)
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "invalid params")
}

func TestWebsocketOnlyMethods(t *testing.T) {
	env, _ := newTestEnv(t, 10)
	srv := startTestServer(t, env)

	rpcErr := call(t, srv.URL, "subscribe_new_heads", nil, nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcserver.CodeMethodNotFound, rpcErr.Code)
}

func TestSubscribeNewHeadsOverWebsocket(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	env, blocks := newTestEnv(t, 100)
	env.Config.MaxSubscriptionClients = 1
	srv := startTestServer(t, env)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "subscribe_new_heads",
		"params": coretypes.RequestSubscribeNewHeads{FromHeight: 2},
	}))
	var rsp rpcserver.RPCResponse
	require.NoError(t, conn.ReadJSON(&rsp))
	require.Nil(t, rsp.Error)
	var sub coretypes.ResultSubscribeNewHeads
	require.NoError(t, json.Unmarshal(rsp.Result, &sub))
	require.NotEmpty(t, sub.SubscriptionID)
	require.Equal(t, 1, env.NumSubscriptions())

	// a second subscription exceeds the limit
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "subscribe_new_heads",
	}))
	rsp = rpcserver.RPCResponse{}
	require.NoError(t, conn.ReadJSON(&rsp))
	require.NotNil(t, rsp.Error)
	assert.Contains(t, rsp.Error.Message, coretypes.ErrSubscriptionLimit.Error())

	addHeads(t, env.EventLog, blocks[1:4])
	for _, want := range []uint64{2, 3} {
		var note struct {
			Method string                        `json:"method"`
			Params coretypes.NewHeadNotification `json:"params"`
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&note))
		assert.Equal(t, "new_head", note.Method)
		assert.Equal(t, sub.SubscriptionID, note.Params.SubscriptionID)
		assert.Equal(t, want, note.Params.Head.Height)
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0", "id": 3, "method": "unsubscribe",
		"params": coretypes.RequestUnsubscribe{SubscriptionID: sub.SubscriptionID},
	}))
	rsp = rpcserver.RPCResponse{}
	require.NoError(t, conn.ReadJSON(&rsp))
	require.Nil(t, rsp.Error)
	assert.Equal(t, 0, env.NumSubscriptions())

	_, err = env.Unsubscribe(context.Background(), &coretypes.RequestUnsubscribe{SubscriptionID: sub.SubscriptionID})
	assert.True(t, errors.Is(err, coretypes.ErrUnknownSubscription))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	srv.Close()
}
