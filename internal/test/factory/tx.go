package factory

import (
	"encoding/binary"

	"github.com/tendermint/chainsync/types"
)

// MakeTxs returns n distinct transactions for a block at height on the
// branch identified by salt.
func MakeTxs(height uint64, salt byte, n int) types.Txs {
	txs := make(types.Txs, n)
	for i := range txs {
		tx := make([]byte, 10)
		tx[0] = salt
		binary.BigEndian.PutUint64(tx[1:9], height)
		tx[9] = byte(i)
		txs[i] = tx
	}
	return txs
}
