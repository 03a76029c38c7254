package core

import (
	"context"

	"github.com/tendermint/chainsync/rpc/coretypes"
)

// SubmitTransaction checks that the transaction is well formed and hands
// it to the gossip relay.
func (env *Environment) SubmitTransaction(ctx context.Context, req *coretypes.RequestSubmitTransaction) (*coretypes.ResultSubmitTransaction, error) {
	if err := env.Relay.SubmitTransaction(req.Tx); err != nil {
		return nil, err
	}
	env.Logger.Debug("submitted transaction", "hash", req.Tx.Hash())
	return &coretypes.ResultSubmitTransaction{Hash: req.Tx.Hash()}, nil
}
