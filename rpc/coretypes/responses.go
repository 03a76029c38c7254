// Package coretypes defines the requests and results of the RPC methods.
package coretypes

import (
	"errors"

	"github.com/tendermint/chainsync/types"
)

// List of standardized errors used across RPC
var (
	ErrEventLogDisabled    = errors.New("head subscriptions are not enabled")
	ErrInvalidCursor       = errors.New("invalid cursor")
	ErrSubscriptionLimit   = errors.New("subscription limit reached")
	ErrUnknownSubscription = errors.New("subscription not found")
	ErrNotWebsocket        = errors.New("method is only available over websockets")
)

// ResultSyncStatus describes the synchronization progress of the node.
type ResultSyncStatus struct {
	State          string       `json:"state"`
	Syncing        bool         `json:"syncing"`
	CurrentHeight  uint64       `json:"current_height"`
	CurrentHash    types.Hash   `json:"current_hash"`
	CurrentWeight  types.Weight `json:"current_weight"`
	TargetHeight   uint64       `json:"target_height"`
	TargetPeer     string       `json:"target_peer,omitempty"`
	ConnectedPeers int          `json:"connected_peers"`
	InFlight       int          `json:"in_flight"`
	Queued         int          `json:"queued"`
	Stalled        bool         `json:"stalled"`
	StalledWork    []string     `json:"stalled_work,omitempty"`
}

// RequestSubmitTransaction is the argument of submit_transaction.
type RequestSubmitTransaction struct {
	Tx types.Tx `json:"tx"`
}

// ResultSubmitTransaction is the result of submit_transaction.
type ResultSubmitTransaction struct {
	Hash types.Hash `json:"hash"`
}

// HeadItem is one canonical head change.
type HeadItem struct {
	Cursor   string       `json:"cursor"`
	Hash     types.Hash   `json:"hash"`
	Height   uint64       `json:"height"`
	Weight   types.Weight `json:"weight"`
	Reverted int          `json:"reverted,omitempty"`
	// Gap is set when head changes between the previous item and this one
	// were pruned before the reader saw them.
	Gap bool `json:"gap,omitempty"`
}

// RequestHeads is the argument of heads, a long-polling read of the head
// log.
type RequestHeads struct {
	// After is the cursor of the last item the caller has seen. Empty means
	// start from the oldest retained item at or above FromHeight.
	After      string `json:"after,omitempty"`
	FromHeight uint64 `json:"from_height,omitempty"`
	MaxItems   int    `json:"max_items,omitempty"`
	// WaitTimeMS bounds how long to wait for a new item when there is
	// none after After. Zero returns immediately.
	WaitTimeMS int64 `json:"wait_time_ms,omitempty"`
}

// ResultHeads is the result of heads.
type ResultHeads struct {
	Items []*HeadItem `json:"items"`
	// Cursor is the value to pass as After on the next call.
	Cursor string `json:"cursor"`
	Oldest string `json:"oldest"`
	Newest string `json:"newest"`
}

// RequestSubscribeNewHeads is the argument of subscribe_new_heads.
type RequestSubscribeNewHeads struct {
	After      string `json:"after,omitempty"`
	FromHeight uint64 `json:"from_height,omitempty"`
}

// ResultSubscribeNewHeads is the result of subscribe_new_heads.
type ResultSubscribeNewHeads struct {
	SubscriptionID string `json:"subscription_id"`
}

// RequestUnsubscribe is the argument of unsubscribe.
type RequestUnsubscribe struct {
	SubscriptionID string `json:"subscription_id"`
}

// ResultUnsubscribe is the result of unsubscribe.
type ResultUnsubscribe struct{}

// NewHeadNotification is pushed to websocket subscribers for every head
// change, under the method name "new_head".
type NewHeadNotification struct {
	SubscriptionID string    `json:"subscription_id"`
	Head           *HeadItem `json:"head"`
}

// ResultHealth is the result of health.
type ResultHealth struct{}
