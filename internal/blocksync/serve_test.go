package blocksync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/internal/test/factory"
	"github.com/tendermint/chainsync/types"
)

func heights(headers []*types.BlockHeader) []uint64 {
	out := make([]uint64, len(headers))
	for i, h := range headers {
		out[i] = h.Height
	}
	return out
}

func TestServeHeaders(t *testing.T) {
	blocks := factory.Chain(10, 10)
	l := newTestLedger(t, blocks)

	testCases := map[string]struct {
		req  p2p.GetHeaders
		want []uint64
	}{
		"forward by height": {
			req:  p2p.GetHeaders{OriginHeight: 3, Amount: 4},
			want: []uint64{3, 4, 5, 6},
		},
		"forward past the tip": {
			req:  p2p.GetHeaders{OriginHeight: 8, Amount: 10},
			want: []uint64{8, 9, 10},
		},
		"forward with skip": {
			req:  p2p.GetHeaders{OriginHeight: 1, Amount: 3, Skip: 2},
			want: []uint64{1, 4, 7},
		},
		"reverse by hash": {
			req:  p2p.GetHeaders{OriginHash: blocks[4].Hash(), Amount: 10, Reverse: true},
			want: []uint64{4, 3, 2, 1, 0},
		},
		"reverse with skip": {
			req:  p2p.GetHeaders{OriginHeight: 10, Amount: 5, Skip: 3, Reverse: true},
			want: []uint64{10, 6, 2},
		},
		"unknown origin": {
			req:  p2p.GetHeaders{OriginHeight: 11, Amount: 4},
			want: []uint64{},
		},
		"zero amount": {
			req:  p2p.GetHeaders{OriginHeight: 1},
			want: []uint64{},
		},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			tc.req.RequestID = 7
			resp := ServeHeaders(l, &tc.req)
			assert.Equal(t, uint64(7), resp.RequestID)
			assert.Equal(t, tc.want, heights(resp.Headers))
		})
	}
}

func TestServeHeaders_SideBranch(t *testing.T) {
	ctx := context.Background()
	blocks := factory.Chain(6, 10)
	l := newTestLedger(t, blocks)

	// move the canonical chain onto a heavier fork, leaving blocks[4:] on a
	// side branch
	require.NoError(t, l.RevertTo(ctx, blocks[3].Hash()))
	for _, b := range factory.Extend(blocks[3], 4, 20, 1) {
		_, err := l.ValidateAndApply(ctx, b)
		require.NoError(t, err)
	}

	resp := ServeHeaders(l, &p2p.GetHeaders{OriginHash: blocks[6].Hash(), Amount: 4, Reverse: true})
	require.Len(t, resp.Headers, 4)
	assert.Equal(t, blocks[6].Hash(), resp.Headers[0].Hash())
	assert.Equal(t, blocks[3].Hash(), resp.Headers[3].Hash())

	// canonical walks refuse a non-canonical origin
	resp = ServeHeaders(l, &p2p.GetHeaders{OriginHash: blocks[5].Hash(), Amount: 2})
	assert.Empty(t, resp.Headers)
}

func TestServeBodies(t *testing.T) {
	blocks := factory.Chain(3, 10)
	l := newTestLedger(t, blocks)
	unknown := factory.Extend(blocks[3], 1, 10, 0)[0]

	resp := ServeBodies(l, &p2p.GetBodies{
		RequestID: 3,
		Hashes:    []types.Hash{blocks[2].Hash(), unknown.Hash(), blocks[1].Hash()},
	})
	assert.Equal(t, uint64(3), resp.RequestID)
	assert.Equal(t, []types.Hash{blocks[2].Hash(), blocks[1].Hash()}, resp.Hashes)
	require.Len(t, resp.Bodies, 2)
	assert.Equal(t, blocks[2].Body.Digest(), resp.Bodies[0].Digest())
}
