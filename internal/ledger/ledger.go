// Package ledger defines the boundary between the synchronization engine and
// the state-transition engine that owns validation and the canonical chain.
package ledger

import (
	"context"

	"github.com/tendermint/chainsync/types"
)

// PostState describes the ledger after a block was applied.
type PostState struct {
	Head    types.Head
	TxCount int
}

//go:generate ../../scripts/mockery_generate.sh Engine

// Engine is the ledger/state-transition engine. Validation errors are
// reported as types.ErrInvalidHeader, types.ErrRejectedBlock and
// types.ErrRevertFailed.
type Engine interface {
	// ValidateHeader checks a header without its body. The header's parent
	// does not need to be known.
	ValidateHeader(ctx context.Context, header *types.BlockHeader) error

	// ValidateAndApply executes a block on top of the canonical tip. The
	// block's parent must be the current tip.
	ValidateAndApply(ctx context.Context, block *types.Block) (PostState, error)

	// RevertTo rolls the canonical chain back to ancestor, which must be a
	// canonical block. On failure the canonical chain is unchanged.
	RevertTo(ctx context.Context, ancestor types.Hash) error

	// CanonicalTip returns the head of the canonical chain.
	CanonicalTip() types.Head

	// IsSaturated reports whether the engine cannot take more blocks for
	// now.
	IsSaturated() bool

	// HasBlock reports whether the engine holds the block, on any branch.
	HasBlock(hash types.Hash) bool

	// Header returns a stored header by hash.
	Header(hash types.Hash) (*types.BlockHeader, bool)

	// Block returns a stored block by hash.
	Block(hash types.Hash) (*types.Block, bool)

	// CanonicalHash returns the hash of the canonical block at height.
	CanonicalHash(height uint64) (types.Hash, bool)
}

// IsCanonical reports whether the header with hash at height is part of the
// engine's canonical chain.
func IsCanonical(e Engine, hash types.Hash, height uint64) bool {
	h, ok := e.CanonicalHash(height)
	return ok && h == hash
}
