package types

import (
	"bytes"
	"fmt"
)

// MaxTxBytes bounds the size of a single relayed transaction.
const MaxTxBytes = 1024 * 1024

// Tx is an opaque transaction payload. Its meaning belongs to the ledger.
type Tx []byte

// Hash returns the Keccak-256 hash of the transaction bytes.
func (tx Tx) Hash() Hash { return Keccak256Hash(tx) }

// String returns the hex-encoded transaction as a string.
func (tx Tx) String() string { return fmt.Sprintf("Tx{%X}", []byte(tx)) }

// ValidateBasic checks that the transaction is well-formed for relay.
func (tx Tx) ValidateBasic() error {
	if len(tx) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrMalformedTx)
	}
	if len(tx) > MaxTxBytes {
		return fmt.Errorf("%w: transaction is too big: %d bytes, max %d", ErrMalformedTx, len(tx), MaxTxBytes)
	}
	return nil
}

// Txs is a slice of Tx.
type Txs []Tx

// Hash returns a digest over the hashes of the transactions, in order.
func (txs Txs) Hash() Hash {
	hashes := make([][]byte, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash().Bytes()
	}
	return Keccak256Hash(hashes...)
}

// Index returns the index of this transaction in the list, or -1 if not found.
func (txs Txs) Index(tx Tx) int {
	for i := range txs {
		if bytes.Equal(txs[i], tx) {
			return i
		}
	}
	return -1
}
