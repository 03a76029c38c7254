package wire

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func TestBlockEncodingPreservesHash(t *testing.T) {
	genesis := types.MakeBlock(nil, 1, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), nil, []byte("genesis"))
	block := types.MakeBlock(&genesis.Header, 7, genesis.Header.Time.Add(time.Second),
		types.Txs{types.Tx("a"), types.Tx("bc")}, nil)

	bz, err := Marshal(FromBlock(block))
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, Unmarshal(bz, &decoded))
	got, err := decoded.ToBlock()
	require.NoError(t, err)

	require.Equal(t, block.Hash(), got.Hash())
	require.NoError(t, got.Body.MatchesHeader(&got.Header))
	if diff := cmp.Diff(block.Body.Txs, got.Body.Txs); diff != "" {
		t.Fatalf("txs mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderDecodingRejectsBadLengths(t *testing.T) {
	h := FromHeader(&types.MakeBlock(nil, 1, time.Unix(1, 0), nil, nil).Header)
	h.ParentHash = []byte{1, 2, 3}
	_, err := h.ToHeader()
	require.Error(t, err)

	h = FromHeader(&types.MakeBlock(nil, 1, time.Unix(1, 0), nil, nil).Header)
	h.Weight = []byte{1}
	_, err = h.ToHeader()
	require.Error(t, err)
}
