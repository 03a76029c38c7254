// Package core implements the RPC methods of a chainsync node.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/cors"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/eventlog"
	"github.com/tendermint/chainsync/libs/log"
	rpcserver "github.com/tendermint/chainsync/rpc/server"
	"github.com/tendermint/chainsync/types"
)

//----------------------------------------------
// These interfaces are used by RPC and must be thread safe

// SyncSource reports synchronization progress. The blocksync Controller
// implements it.
type SyncSource interface {
	Status() blocksync.Status
}

// TxSubmitter relays locally submitted transactions. The gossip Relay
// implements it.
type TxSubmitter interface {
	SubmitTransaction(tx types.Tx) error
}

//----------------------------------------------

// Environment contains the objects and interfaces used by the RPC methods.
type Environment struct {
	Sync     SyncSource
	Relay    TxSubmitter
	EventLog *eventlog.Log // nil disables head subscriptions

	Logger log.Logger
	Config *config.RPCConfig

	mtx  sync.Mutex
	subs map[string]context.CancelFunc
}

// StartService listens on the configured address and serves the RPC
// methods until ctx ends. It returns the listener so the caller can learn
// the bound address.
func (env *Environment) StartService(ctx context.Context, conf *config.RPCConfig) (net.Listener, error) {
	cfg := rpcserver.DefaultConfig()
	cfg.MaxBodyBytes = conf.MaxBodyBytes
	cfg.MaxHeaderBytes = conf.MaxHeaderBytes
	cfg.MaxOpenConnections = conf.MaxOpenConnections

	listener, err := rpcserver.Listen(conf.ListenAddress, cfg.MaxOpenConnections)
	if err != nil {
		return nil, err
	}

	rpcLogger := env.Logger.With("module", "rpc-server")
	handler := env.Handler(rpcLogger, cfg)
	if conf.IsCorsEnabled() {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: conf.CORSAllowedOrigins,
			AllowedMethods: conf.CORSAllowedMethods,
			AllowedHeaders: conf.CORSAllowedHeaders,
		})
		handler = corsMiddleware.Handler(handler)
	}

	go func() {
		if err := rpcserver.Serve(ctx, listener, handler, rpcLogger, cfg); err != nil {
			rpcLogger.Error("error serving server", "err", err)
		}
	}()
	return listener, nil
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint at "/" and
// the websocket endpoint at "/websocket".
func (env *Environment) Handler(logger log.Logger, cfg *rpcserver.Config) http.Handler {
	routes := NewRoutesMap(env)
	mux := http.NewServeMux()
	rpcserver.RegisterRPCFuncs(mux, routes, logger)

	wm := rpcserver.NewWebsocketManager(logger.With("protocol", "websocket"), routes,
		rpcserver.ReadLimit(cfg.MaxBodyBytes),
	)
	mux.HandleFunc("/websocket", wm.WebsocketHandler)
	return mux
}

// decodeParams unmarshals params into v. Empty params leave v untouched.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
