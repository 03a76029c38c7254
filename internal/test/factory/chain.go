package factory

import (
	"time"

	"github.com/tendermint/chainsync/types"
)

// GenesisTime is the timestamp of the test genesis block.
var GenesisTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// GenesisDoc returns the genesis document shared by test networks.
func GenesisDoc() *types.GenesisDoc {
	return &types.GenesisDoc{
		NetworkID:   1337,
		GenesisTime: GenesisTime,
		Difficulty:  1,
		Extra:       []byte("chainsync test network"),
	}
}

// Extend builds n blocks on top of parent, each with the given difficulty
// and two transactions. Branches built from the same parent with different
// salts never share a block.
func Extend(parent *types.Block, n int, difficulty uint64, salt byte) []*types.Block {
	return extend(parent, n, difficulty, salt, 2)
}

// ExtendEmpty is Extend with empty block bodies.
func ExtendEmpty(parent *types.Block, n int, difficulty uint64, salt byte) []*types.Block {
	return extend(parent, n, difficulty, salt, 0)
}

func extend(parent *types.Block, n int, difficulty uint64, salt byte, txs int) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		var body types.Txs
		if txs > 0 {
			body = MakeTxs(parent.Header.Height+1, salt, txs)
		}
		// the salt also shifts the timestamp so empty-body siblings differ
		b := types.MakeBlock(
			&parent.Header,
			difficulty,
			parent.Header.Time.Add(time.Second+time.Duration(salt)*time.Millisecond),
			body,
			nil,
		)
		blocks = append(blocks, b)
		parent = b
	}
	return blocks
}

// Chain returns a canonical test chain of length n on top of the test
// genesis block, genesis included at index 0.
func Chain(n int, difficulty uint64) []*types.Block {
	genesis := GenesisDoc().Block()
	return append([]*types.Block{genesis}, Extend(genesis, n, difficulty, 0)...)
}

// Headers returns the headers of blocks.
func Headers(blocks []*types.Block) []*types.BlockHeader {
	headers := make([]*types.BlockHeader, len(blocks))
	for i, b := range blocks {
		headers[i] = &b.Header
	}
	return headers
}
