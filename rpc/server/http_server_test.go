package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/libs/log"
)

func testFuncMap() map[string]*RPCFunc {
	return map[string]*RPCFunc{
		"echo": NewRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			var s string
			if err := json.Unmarshal(params, &s); err != nil {
				return nil, err
			}
			return s, nil
		}),
		"fail": NewRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return nil, errors.New("it failed")
		}),
		"remote": NewRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return GetCallInfo(ctx).RemoteAddr() != "", nil
		}),
		"ws_only": NewWSRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			return "ok", nil
		}),
	}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJSONRPCHandler(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRPCFuncs(mux, testFuncMap(), log.NewNopLogger())

	testCases := []struct {
		name    string
		body    string
		result  string
		errCode int
	}{
		{"call", `{"jsonrpc":"2.0","id":1,"method":"echo","params":"hi"}`, `"hi"`, 0},
		{"handler error", `{"jsonrpc":"2.0","id":1,"method":"fail"}`, "", CodeServerError},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, "", CodeMethodNotFound},
		{"websocket only", `{"jsonrpc":"2.0","id":1,"method":"ws_only"}`, "", CodeMethodNotFound},
		{"bad json", `{"jsonrpc":`, "", CodeParseError},
		{"call info", `{"jsonrpc":"2.0","id":"x","method":"remote"}`, `true`, 0},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, mux, tc.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var rsp RPCResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rsp))
			if tc.errCode != 0 {
				require.NotNil(t, rsp.Error)
				assert.Equal(t, tc.errCode, rsp.Error.Code)
				return
			}
			require.Nil(t, rsp.Error)
			assert.JSONEq(t, tc.result, string(rsp.Result))
		})
	}
}

func TestJSONRPCHandler_Batch(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRPCFuncs(mux, testFuncMap(), log.NewNopLogger())

	rec := post(t, mux, `[
		{"jsonrpc":"2.0","id":1,"method":"echo","params":"a"},
		{"jsonrpc":"2.0","method":"echo","params":"notification"},
		{"jsonrpc":"2.0","id":2,"method":"echo","params":"b"}
	]`)
	var rsps []RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rsps))
	require.Len(t, rsps, 2)
	assert.JSONEq(t, `1`, string(rsps[0].ID))
	assert.JSONEq(t, `"a"`, string(rsps[0].Result))
	assert.JSONEq(t, `2`, string(rsps[1].ID))
	assert.JSONEq(t, `"b"`, string(rsps[1].Result))

	// only notifications: no response body
	rec = post(t, mux, `{"jsonrpc":"2.0","method":"echo","params":"x"}`)
	assert.Empty(t, rec.Body.Bytes())
}

func TestJSONRPCHandler_ListsMethods(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRPCFuncs(mux, testFuncMap(), log.NewNopLogger())

	rec := post(t, mux, "")
	var out map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"echo", "fail", "remote", "ws_only"}, out["methods"])

	req := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecoverAndLogHandler(t *testing.T) {
	h := recoverAndLogHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), log.NewNopLogger())

	rec := post(t, h, `{}`)
	var rsp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rsp))
	require.NotNil(t, rsp.Error)
	assert.Equal(t, CodeInternalError, rsp.Error.Code)
	assert.Contains(t, rsp.Error.Message, "boom")
}

func TestServe(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	l, err := Listen("tcp://127.0.0.1:0", 1)
	require.NoError(t, err)

	var calls int32
	mux := http.NewServeMux()
	RegisterRPCFuncs(mux, map[string]*RPCFunc{
		"count": NewRPCFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return atomic.AddInt32(&calls, 1), nil
		}),
	}, log.NewNopLogger())

	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 64

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, Serve(ctx, l, mux, log.NewNopLogger(), cfg))
	}()

	url := "http://" + l.Addr().String()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	rsp, err := client.Post(url, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"count"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Contains(t, string(body), `"result":1`)
	assert.NotEmpty(t, rsp.Header.Get("X-Server-Time"))

	// bodies over the limit are rejected
	rsp, err = client.Post(url, "application/json", strings.NewReader(strings.Repeat(" ", 100)+`{"jsonrpc":"2.0","id":1,"method":"count"}`))
	require.NoError(t, err)
	body, err = io.ReadAll(rsp.Body)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Contains(t, string(body), "reading request body")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	cancel()
	wg.Wait()
}

func TestListen_InvalidAddress(t *testing.T) {
	_, err := Listen("127.0.0.1:0", 0)
	require.Error(t, err)
}
