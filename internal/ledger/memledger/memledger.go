// Package memledger is a reference ledger engine. It keeps blocks in a
// BlockStore, enforces parent linkage and cumulative weight continuity, and
// treats transactions as opaque. It backs the node binary and the
// synchronization tests.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/types"
)

// MaxFutureDrift bounds how far in the future a header timestamp may be.
const MaxFutureDrift = 15 * time.Second

var (
	errNotOnTip    = errors.New("block does not extend the canonical tip")
	errNotCanon    = errors.New("revert target is not canonical")
	errEmptyProof  = errors.New("missing proof")
	errTimeInverse = errors.New("timestamp not after parent")
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithHeaderCheck installs an extra header validation rule.
func WithHeaderCheck(fn func(*types.BlockHeader) error) Option {
	return func(l *Ledger) { l.headerCheck = fn }
}

// WithBlockCheck installs an extra block execution rule.
func WithBlockCheck(fn func(*types.Block) error) Option {
	return func(l *Ledger) { l.blockCheck = fn }
}

// WithRevertCheck installs a hook that may refuse reverts.
func WithRevertCheck(fn func(target types.Hash) error) Option {
	return func(l *Ledger) { l.revertCheck = fn }
}

// WithClock sets the time source used for the future drift check.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is an in-process ledger.Engine.
type Ledger struct {
	mtx     sync.RWMutex
	store   *store.BlockStore
	genesis *types.Block
	tip     types.Head

	headerCheck func(*types.BlockHeader) error
	blockCheck  func(*types.Block) error
	revertCheck func(types.Hash) error
	now         func() time.Time

	saturated int32 // atomic
	applied   []types.Hash
	reverts   int
}

var _ ledger.Engine = (*Ledger)(nil)

// New opens a ledger on db. An empty db is initialized with the genesis
// block; otherwise the stored genesis must match.
func New(db dbm.DB, genDoc *types.GenesisDoc, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:   store.NewBlockStore(db),
		genesis: genDoc.Block(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	genesisHash := l.genesis.Hash()
	tipHash, err := l.store.Tip()
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := l.store.SaveBlock(l.genesis); err != nil {
			return nil, err
		}
		if err := l.store.ApplyCanonical(store.CanonicalUpdate{
			Extend: []*types.Block{l.genesis},
			Tip:    genesisHash,
		}); err != nil {
			return nil, err
		}
		l.tip = l.genesis.Header.Head()
		return l, nil

	case err != nil:
		return nil, err
	}

	stored, err := l.store.CanonicalHash(0)
	if err != nil {
		return nil, fmt.Errorf("loading stored genesis: %w", err)
	}
	if stored != genesisHash {
		return nil, fmt.Errorf("stored genesis %s does not match genesis document %s", stored.Short(), genesisHash.Short())
	}
	tip, err := l.store.LoadBlock(tipHash)
	if err != nil {
		return nil, fmt.Errorf("loading tip %s: %w", tipHash.Short(), err)
	}
	l.tip = tip.Header.Head()
	return l, nil
}

// Genesis returns the genesis block.
func (l *Ledger) Genesis() *types.Block { return l.genesis }

// SetSaturated toggles the backpressure signal.
func (l *Ledger) SetSaturated(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&l.saturated, n)
}

// IsSaturated implements ledger.Engine.
func (l *Ledger) IsSaturated() bool { return atomic.LoadInt32(&l.saturated) == 1 }

// ValidateHeader implements ledger.Engine.
func (l *Ledger) ValidateHeader(_ context.Context, header *types.BlockHeader) error {
	if err := l.validateHeader(header); err != nil {
		return types.ErrInvalidHeader{Hash: header.Hash(), Reason: err}
	}
	return nil
}

func (l *Ledger) validateHeader(header *types.BlockHeader) error {
	if err := header.ValidateBasic(); err != nil {
		return err
	}
	if header.IsGenesis() && header.Hash() != l.genesis.Hash() {
		return errors.New("unexpected genesis header")
	}
	if len(header.Proof) == 0 {
		return errEmptyProof
	}
	if header.Time.After(l.now().Add(MaxFutureDrift)) {
		return fmt.Errorf("timestamp %v too far in the future", header.Time)
	}
	if l.headerCheck != nil {
		return l.headerCheck(header)
	}
	return nil
}

// ValidateAndApply implements ledger.Engine.
func (l *Ledger) ValidateAndApply(ctx context.Context, block *types.Block) (ledger.PostState, error) {
	if err := ctx.Err(); err != nil {
		return ledger.PostState{}, err
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	hash := block.Hash()
	if block.Header.ParentHash != l.tip.Hash {
		return ledger.PostState{}, fmt.Errorf("%w: parent %s, tip %s", errNotOnTip, block.Header.ParentHash.Short(), l.tip.Hash.Short())
	}

	reject := func(err error) (ledger.PostState, error) {
		return ledger.PostState{}, types.ErrRejectedBlock{Hash: hash, Reason: err}
	}

	if err := l.validateHeader(&block.Header); err != nil {
		return reject(err)
	}
	parent, err := l.store.LoadBlock(l.tip.Hash)
	if err != nil {
		return ledger.PostState{}, err
	}
	if block.Header.Height != parent.Header.Height+1 {
		return reject(fmt.Errorf("height %d does not follow parent height %d", block.Header.Height, parent.Header.Height))
	}
	if want := parent.Header.Weight.Add(block.Header.Difficulty); want.Cmp(block.Header.Weight) != 0 {
		return reject(fmt.Errorf("cumulative weight %s, expected %s", block.Header.Weight, want))
	}
	if !block.Header.Time.After(parent.Header.Time) {
		return reject(errTimeInverse)
	}
	if err := block.Body.MatchesHeader(&block.Header); err != nil {
		return reject(err)
	}
	if l.blockCheck != nil {
		if err := l.blockCheck(block); err != nil {
			return reject(err)
		}
	}

	if err := l.store.SaveBlock(block); err != nil {
		return ledger.PostState{}, err
	}
	if err := l.store.ApplyCanonical(store.CanonicalUpdate{
		Truncate:  l.tip.Height,
		OldHeight: l.tip.Height,
		Extend:    []*types.Block{block},
		Tip:       hash,
	}); err != nil {
		return ledger.PostState{}, err
	}

	l.tip = block.Header.Head()
	l.applied = append(l.applied, hash)
	return ledger.PostState{Head: l.tip, TxCount: len(block.Body.Txs)}, nil
}

// RevertTo implements ledger.Engine.
func (l *Ledger) RevertTo(ctx context.Context, ancestor types.Hash) error {
	if err := ctx.Err(); err != nil {
		return types.ErrRevertFailed{Target: ancestor, Reason: err}
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	fail := func(err error) error { return types.ErrRevertFailed{Target: ancestor, Reason: err} }

	target, err := l.store.LoadBlock(ancestor)
	if err != nil {
		return fail(err)
	}
	if h, err := l.store.CanonicalHash(target.Header.Height); err != nil || h != ancestor {
		return fail(errNotCanon)
	}
	if l.revertCheck != nil {
		if err := l.revertCheck(ancestor); err != nil {
			return fail(err)
		}
	}

	if err := l.store.ApplyCanonical(store.CanonicalUpdate{
		Truncate:  target.Header.Height,
		OldHeight: l.tip.Height,
		Tip:       ancestor,
	}); err != nil {
		return fail(err)
	}
	l.tip = target.Header.Head()
	l.reverts++
	return nil
}

// CanonicalTip implements ledger.Engine.
func (l *Ledger) CanonicalTip() types.Head {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.tip
}

// HasBlock implements ledger.Engine.
func (l *Ledger) HasBlock(hash types.Hash) bool {
	return l.store.HasBlock(hash)
}

// Header implements ledger.Engine.
func (l *Ledger) Header(hash types.Hash) (*types.BlockHeader, bool) {
	b, ok := l.Block(hash)
	if !ok {
		return nil, false
	}
	return &b.Header, true
}

// Block implements ledger.Engine.
func (l *Ledger) Block(hash types.Hash) (*types.Block, bool) {
	b, err := l.store.LoadBlock(hash)
	if err != nil {
		return nil, false
	}
	return b, true
}

// CanonicalHash implements ledger.Engine.
func (l *Ledger) CanonicalHash(height uint64) (types.Hash, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if height > l.tip.Height {
		return types.Hash{}, false
	}
	h, err := l.store.CanonicalHash(height)
	if err != nil {
		return types.Hash{}, false
	}
	return h, true
}

// Applied returns the hashes of every block applied so far, in order.
func (l *Ledger) Applied() []types.Hash {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return append([]types.Hash(nil), l.applied...)
}

// Reverts returns the number of successful reverts.
func (l *Ledger) Reverts() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.reverts
}
