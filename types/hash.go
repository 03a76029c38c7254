package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size, in bytes, of block and transaction hashes.
const HashSize = 32

// Hash is a Keccak-256 digest identifying a block, a body or a transaction.
type Hash [HashSize]byte

// Keccak256Hash hashes the concatenation of data.
func Keccak256Hash(data ...[]byte) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		_, _ = d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// BytesToHash converts b to a Hash. If b is longer than HashSize it is
// cropped from the left.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashSize {
		b = b[len(b)-HashSize:]
	}
	copy(h[HashSize-len(b):], b)
	return h
}

// HashFromHex parses a hex string, with or without a 0x prefix.
func HashFromHex(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	bz, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(bz) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length %d, expected %d", len(bz), HashSize)
	}
	return BytesToHash(bz), nil
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	bz := make([]byte, HashSize)
	copy(bz, h[:])
	return bz
}

// String returns the upper case hex encoding of the hash.
func (h Hash) String() string { return fmt.Sprintf("%X", h[:]) }

// Short returns an abbreviated hex encoding for log lines.
func (h Hash) Short() string { return fmt.Sprintf("%X", h[:6]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
