package core

import (
	"context"

	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/rpc/coretypes"
)

// SyncStatus returns the synchronization progress of the node.
func (env *Environment) SyncStatus(ctx context.Context) (*coretypes.ResultSyncStatus, error) {
	st := env.Sync.Status()

	res := &coretypes.ResultSyncStatus{
		State:          st.State.String(),
		Syncing:        st.State != blocksync.StateIdle,
		CurrentHeight:  st.Tip.Height,
		CurrentHash:    st.Tip.Hash,
		CurrentWeight:  st.Tip.Weight,
		TargetHeight:   st.Tip.Height,
		ConnectedPeers: st.ConnectedPeers,
		InFlight:       st.InFlight,
		Stalled:        st.IsStalled(),
	}
	if !st.Target.Hash.IsZero() {
		res.TargetHeight = st.Target.Height
		res.TargetPeer = string(st.TargetPeer)
	}
	for _, n := range st.Queued {
		res.Queued += n
	}
	for _, w := range st.Stalled {
		res.StalledWork = append(res.StalledWork, w.String())
	}
	return res, nil
}

// Health returns an empty result while the node is running.
func (env *Environment) Health(ctx context.Context) (*coretypes.ResultHealth, error) {
	return &coretypes.ResultHealth{}, nil
}
