package factory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func TestExtendBuildsLinkedChain(t *testing.T) {
	chain := Chain(10, 5)
	require.Len(t, chain, 11)
	for i := 1; i < len(chain); i++ {
		h := &chain[i].Header
		require.Equal(t, chain[i-1].Hash(), h.ParentHash)
		require.Equal(t, uint64(i), h.Height)
		require.Equal(t, 0, chain[i-1].Header.Weight.Add(types.NewWeight(5)).Cmp(h.Weight))
		require.NoError(t, h.ValidateBasic())
		require.NoError(t, chain[i].Body.MatchesHeader(h))
	}
}

func TestBranchesDiverge(t *testing.T) {
	chain := Chain(5, 1)
	a := Extend(chain[5], 3, 1, 1)
	b := Extend(chain[5], 3, 1, 2)
	for i := range a {
		require.NotEqual(t, a[i].Hash(), b[i].Hash())
	}

	empty := ExtendEmpty(chain[5], 2, 1, 3)
	require.True(t, empty[0].Header.HasEmptyBody())
	require.NoError(t, empty[1].Body.MatchesHeader(&empty[1].Header))
}
