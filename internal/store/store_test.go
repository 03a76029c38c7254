package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

func makeChain(n int) []*types.Block {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chain := []*types.Block{types.MakeBlock(nil, 1, t0, nil, []byte("g"))}
	for i := 1; i < n; i++ {
		parent := &chain[i-1].Header
		chain = append(chain, types.MakeBlock(parent, 10, parent.Time.Add(time.Second), types.Txs{types.Tx{byte(i)}}, nil))
	}
	return chain
}

func TestBlockStoreSaveLoad(t *testing.T) {
	bs := NewBlockStore(dbm.NewMemDB())
	chain := makeChain(3)

	_, err := bs.LoadBlock(chain[1].Hash())
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, bs.HasBlock(chain[1].Hash()))

	for _, b := range chain {
		require.NoError(t, bs.SaveBlock(b))
	}
	got, err := bs.LoadBlock(chain[1].Hash())
	require.NoError(t, err)
	assert.Equal(t, chain[1].Hash(), got.Hash())
	assert.True(t, bs.HasBlock(chain[2].Hash()))
}

func TestBlockStoreCanonicalIndex(t *testing.T) {
	bs := NewBlockStore(dbm.NewMemDB())
	chain := makeChain(5)
	for _, b := range chain {
		require.NoError(t, bs.SaveBlock(b))
	}

	require.NoError(t, bs.ApplyCanonical(CanonicalUpdate{Extend: chain, Tip: chain[4].Hash()}))
	tip, err := bs.Tip()
	require.NoError(t, err)
	assert.Equal(t, chain[4].Hash(), tip)

	hashes, err := bs.CanonicalRange(0, 10)
	require.NoError(t, err)
	require.Len(t, hashes, 5)
	assert.Equal(t, chain[3].Hash(), hashes[3])

	// roll back to height 2
	require.NoError(t, bs.ApplyCanonical(CanonicalUpdate{Truncate: 2, OldHeight: 4, Tip: chain[2].Hash()}))
	_, err = bs.CanonicalHash(3)
	require.ErrorIs(t, err, ErrNotFound)
	h, err := bs.CanonicalHash(2)
	require.NoError(t, err)
	assert.Equal(t, chain[2].Hash(), h)

	// reverted blocks stay loadable
	assert.True(t, bs.HasBlock(chain[4].Hash()))
}

func TestCanonicalKeyRoundTrip(t *testing.T) {
	for _, h := range []uint64{0, 1, 255, 1 << 40} {
		got, err := decodeCanonicalKey(canonicalKey(h))
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
	_, err := decodeCanonicalKey(tipKey())
	assert.Error(t, err)
}
