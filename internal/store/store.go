package store

import (
	"errors"
	"fmt"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/types"
)

// ErrNotFound is returned when a requested record is absent.
var ErrNotFound = errors.New("not found")

/*
BlockStore is a simple low level store for blocks.

There are three types of information stored:
 - Block:      every block ever accepted, canonical or not, keyed by hash
 - Canonical:  the hash of the canonical block at each height
 - Tip:        the hash of the canonical tip

Blocks are never deleted: a reorganization only rewrites the canonical index,
so a reverted branch can be re-applied without downloading it again.

NOTE: BlockStore methods panic if they encounter errors deserializing
loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db: db}
}

// SaveBlock persists a block under its hash. It does not touch the
// canonical index.
func (bs *BlockStore) SaveBlock(block *types.Block) error {
	bz, err := wire.Marshal(wire.FromBlock(block))
	if err != nil {
		return fmt.Errorf("encoding block %s: %w", block.Hash().Short(), err)
	}
	return bs.db.Set(blockKey(block.Hash()), bz)
}

// LoadBlock returns the block with the given hash, or ErrNotFound.
func (bs *BlockStore) LoadBlock(hash types.Hash) (*types.Block, error) {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, ErrNotFound
	}

	var rec wire.Block
	if err := wire.Unmarshal(bz, &rec); err != nil {
		panic(fmt.Errorf("unmarshal to wire.Block failed: %w", err))
	}
	block, err := rec.ToBlock()
	if err != nil {
		panic(fmt.Errorf("error reading block %s: %w", hash.Short(), err))
	}
	return block, nil
}

// HasBlock reports whether a block with the given hash was saved.
func (bs *BlockStore) HasBlock(hash types.Hash) bool {
	ok, err := bs.db.Has(blockKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// CanonicalHash returns the hash of the canonical block at height.
func (bs *BlockStore) CanonicalHash(height uint64) (types.Hash, error) {
	bz, err := bs.db.Get(canonicalKey(height))
	if err != nil {
		return types.Hash{}, err
	}
	if len(bz) == 0 {
		return types.Hash{}, ErrNotFound
	}
	return types.BytesToHash(bz), nil
}

// Tip returns the hash of the canonical tip.
func (bs *BlockStore) Tip() (types.Hash, error) {
	bz, err := bs.db.Get(tipKey())
	if err != nil {
		return types.Hash{}, err
	}
	if len(bz) == 0 {
		return types.Hash{}, ErrNotFound
	}
	return types.BytesToHash(bz), nil
}

// CanonicalUpdate rewrites the canonical index in one batch.
type CanonicalUpdate struct {
	// Heights above Truncate lose their canonical entry. Set Truncate to
	// the current tip height to keep every entry.
	Truncate  uint64
	OldHeight uint64
	// Extend lists blocks to index, in ascending height order.
	Extend []*types.Block
	Tip    types.Hash
}

// ApplyCanonical writes a CanonicalUpdate atomically.
func (bs *BlockStore) ApplyCanonical(u CanonicalUpdate) error {
	batch := bs.db.NewBatch()
	defer batch.Close()

	for h := u.Truncate + 1; h <= u.OldHeight; h++ {
		if err := batch.Delete(canonicalKey(h)); err != nil {
			return err
		}
	}
	for _, b := range u.Extend {
		hash := b.Hash()
		if err := batch.Set(canonicalKey(b.Header.Height), hash[:]); err != nil {
			return err
		}
	}
	if err := batch.Set(tipKey(), u.Tip[:]); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	// prefixes are unique across all stores
	prefixBlock     = int64(0)
	prefixCanonical = int64(1)
	prefixTip       = int64(2)
)

func blockKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func canonicalKey(height uint64) []byte {
	key, err := orderedcode.Append(nil, prefixCanonical, height)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeCanonicalKey(key []byte) (height uint64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixCanonical {
		return 0, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixCanonical, prefix)
	}
	return
}

func tipKey() []byte {
	key, err := orderedcode.Append(nil, prefixTip)
	if err != nil {
		panic(err)
	}
	return key
}

// CanonicalRange returns the canonical hashes for heights in [from, to], in
// ascending order, stopping at the first gap.
func (bs *BlockStore) CanonicalRange(from, to uint64) ([]types.Hash, error) {
	iter, err := bs.db.Iterator(canonicalKey(from), canonicalKey(to+1))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var (
		hashes []types.Hash
		next   = from
	)
	for ; iter.Valid(); iter.Next() {
		height, err := decodeCanonicalKey(iter.Key())
		if err != nil {
			return nil, err
		}
		if height != next {
			break
		}
		hashes = append(hashes, types.BytesToHash(iter.Value()))
		next++
	}
	return hashes, iter.Error()
}
