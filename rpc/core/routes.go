package core

import (
	"context"
	"encoding/json"

	"github.com/tendermint/chainsync/rpc/coretypes"
	rpc "github.com/tendermint/chainsync/rpc/server"
)

// RoutesMap maps method names to their handlers.
type RoutesMap map[string]*rpc.RPCFunc

// NewRoutesMap constructs an RPC routing map for env. Note that
// subscribe_new_heads and unsubscribe are only available via the websocket
// endpoint. Each call returns a fresh map.
func NewRoutesMap(env *Environment) RoutesMap {
	return RoutesMap{
		// head subscriptions
		"heads": rpc.NewRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			req := new(coretypes.RequestHeads)
			if err := decodeParams(params, req); err != nil {
				return nil, err
			}
			return env.Heads(ctx, req)
		}),
		"subscribe_new_heads": rpc.NewWSRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			req := new(coretypes.RequestSubscribeNewHeads)
			if err := decodeParams(params, req); err != nil {
				return nil, err
			}
			return env.SubscribeNewHeadsWS(ctx, req)
		}),
		"unsubscribe": rpc.NewWSRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			req := new(coretypes.RequestUnsubscribe)
			if err := decodeParams(params, req); err != nil {
				return nil, err
			}
			return env.Unsubscribe(ctx, req)
		}),

		// info API
		"health": rpc.NewRPCFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return env.Health(ctx)
		}),
		"sync_status": rpc.NewRPCFunc(func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return env.SyncStatus(ctx)
		}),

		// tx API
		"submit_transaction": rpc.NewRPCFunc(func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			req := new(coretypes.RequestSubmitTransaction)
			if err := decodeParams(params, req); err != nil {
				return nil, err
			}
			return env.SubmitTransaction(ctx, req)
		}),
	}
}
