package types

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Weight is a fork-choice measure. A header carries both the weight its own
// block contributes (difficulty) and the cumulative weight of the chain
// ending at it. The heaviest chain is canonical.
type Weight struct {
	v uint256.Int
}

// NewWeight returns the weight n.
func NewWeight(n uint64) Weight {
	var w Weight
	w.v.SetUint64(n)
	return w
}

// WeightFromBytes32 decodes a big-endian 32 byte weight.
func WeightFromBytes32(b [32]byte) Weight {
	var w Weight
	w.v.SetBytes32(b[:])
	return w
}

// ParseWeight parses a decimal weight.
func ParseWeight(s string) (Weight, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 {
		return Weight{}, fmt.Errorf("invalid weight %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Weight{}, fmt.Errorf("weight %q overflows 256 bits", s)
	}
	return Weight{v: *v}, nil
}

// Bytes32 returns the big-endian encoding of w.
func (w Weight) Bytes32() [32]byte { return w.v.Bytes32() }

// Add returns w+o.
func (w Weight) Add(o Weight) Weight {
	var r Weight
	r.v.Add(&w.v, &o.v)
	return r
}

// Cmp compares w and o and returns -1, 0 or +1.
func (w Weight) Cmp(o Weight) int { return w.v.Cmp(&o.v) }

// Gt reports whether w > o.
func (w Weight) Gt(o Weight) bool { return w.v.Gt(&o.v) }

// IsZero reports whether w == 0.
func (w Weight) IsZero() bool { return w.v.IsZero() }

// Uint64 returns the lower 64 bits of w.
func (w Weight) Uint64() uint64 { return w.v.Uint64() }

func (w Weight) String() string { return w.v.ToBig().String() }

func (w Weight) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *Weight) UnmarshalText(text []byte) error {
	parsed, err := ParseWeight(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
