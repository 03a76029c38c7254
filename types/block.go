package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// MaxProofBytes bounds the opaque validity proof carried by a header.
	MaxProofBytes = 1024

	// MaxBodyBytes bounds the declared size of a block body.
	MaxBodyBytes = 16 * 1024 * 1024
)

// EmptyBodyDigest is the digest of a body with no transactions and no extra
// payload. Headers committing to it need no body download.
var EmptyBodyDigest = (&BlockBody{}).Digest()

// Head identifies the tip of a chain: a block hash together with its height
// and the cumulative weight of the chain ending at it.
type Head struct {
	Hash   Hash   `json:"hash"`
	Height uint64 `json:"height"`
	Weight Weight `json:"weight"`
}

func (h Head) String() string {
	return fmt.Sprintf("#%d %s (weight %s)", h.Height, h.Hash.Short(), h.Weight)
}

// BlockHeader is the part of a block used for chain selection. The
// ledger engine owns the meaning of Proof; the synchronization code only
// checks its size.
type BlockHeader struct {
	ParentHash Hash      `json:"parent_hash"`
	Height     uint64    `json:"height"`
	Difficulty Weight    `json:"difficulty"`
	Weight     Weight    `json:"weight"`
	Time       time.Time `json:"time"`
	BodyDigest Hash      `json:"body_digest"`
	TxCount    uint32    `json:"tx_count"`
	BodySize   uint32    `json:"body_size"`
	Proof      []byte    `json:"proof"`
}

// Hash returns the Keccak-256 hash of the header's canonical encoding.
func (h *BlockHeader) Hash() Hash {
	return Keccak256Hash(h.encode())
}

// Head returns the chain head represented by this header.
func (h *BlockHeader) Head() Head {
	return Head{Hash: h.Hash(), Height: h.Height, Weight: h.Weight}
}

// HasEmptyBody reports whether the header commits to an empty body.
func (h *BlockHeader) HasEmptyBody() bool {
	return h.BodyDigest == EmptyBodyDigest
}

// IsGenesis reports whether the header is a chain's first block.
func (h *BlockHeader) IsGenesis() bool { return h.Height == 0 }

// ValidateBasic performs checks that need nothing but the header itself.
func (h *BlockHeader) ValidateBasic() error {
	if h.Height > 0 {
		if h.ParentHash.IsZero() {
			return errors.New("missing parent hash")
		}
		if h.Difficulty.IsZero() {
			return errors.New("zero difficulty")
		}
	}
	if h.Difficulty.Gt(h.Weight) {
		return fmt.Errorf("difficulty %s exceeds cumulative weight %s", h.Difficulty, h.Weight)
	}
	if len(h.Proof) > MaxProofBytes {
		return fmt.Errorf("proof is too big: %d bytes, max %d", len(h.Proof), MaxProofBytes)
	}
	if h.BodySize > MaxBodyBytes {
		return fmt.Errorf("declared body size %d exceeds max %d", h.BodySize, MaxBodyBytes)
	}
	if h.TxCount == 0 && h.BodySize == 0 && !h.HasEmptyBody() {
		return errors.New("empty body declared with non-empty digest")
	}
	if h.Time.IsZero() {
		return errors.New("missing timestamp")
	}
	return nil
}

// Copy returns a deep copy of the header.
func (h *BlockHeader) Copy() *BlockHeader {
	c := *h
	c.Proof = append([]byte(nil), h.Proof...)
	return &c
}

func (h *BlockHeader) encode() []byte {
	var (
		u64 [8]byte
		u32 [4]byte
	)
	bz := make([]byte, 0, 160+len(h.Proof))
	bz = append(bz, h.ParentHash[:]...)
	binary.BigEndian.PutUint64(u64[:], h.Height)
	bz = append(bz, u64[:]...)
	diff := h.Difficulty.Bytes32()
	bz = append(bz, diff[:]...)
	weight := h.Weight.Bytes32()
	bz = append(bz, weight[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(h.Time.UnixNano()))
	bz = append(bz, u64[:]...)
	bz = append(bz, h.BodyDigest[:]...)
	for _, n := range []uint32{h.TxCount, h.BodySize, uint32(len(h.Proof))} {
		binary.BigEndian.PutUint32(u32[:], n)
		bz = append(bz, u32[:]...)
	}
	bz = append(bz, h.Proof...)
	return bz
}

// BlockBody holds the transactions of a block and any auxiliary payload.
type BlockBody struct {
	Txs   Txs    `json:"txs"`
	Extra []byte `json:"extra"`
}

// Digest commits to the full contents of the body.
func (b *BlockBody) Digest() Hash {
	return Keccak256Hash(b.Txs.Hash().Bytes(), Keccak256Hash(b.Extra).Bytes())
}

// Size returns the payload size the header declares for this body.
func (b *BlockBody) Size() int {
	n := len(b.Extra)
	for _, tx := range b.Txs {
		n += len(tx)
	}
	return n
}

// ValidateBasic checks the body's self-consistency against the sizes its
// header declares. The digest is checked separately by MatchesHeader.
func (b *BlockBody) ValidateBasic(h *BlockHeader) error {
	if len(b.Txs) != int(h.TxCount) {
		return fmt.Errorf("%w: header declares %d txs, body has %d", ErrBadBody, h.TxCount, len(b.Txs))
	}
	if b.Size() != int(h.BodySize) {
		return fmt.Errorf("%w: header declares %d bytes, body has %d", ErrBadBody, h.BodySize, b.Size())
	}
	for i, tx := range b.Txs {
		if len(tx) == 0 {
			return fmt.Errorf("%w: empty tx at index %d", ErrBadBody, i)
		}
	}
	return nil
}

// MatchesHeader validates the body against the header's commitments.
func (b *BlockBody) MatchesHeader(h *BlockHeader) error {
	if err := b.ValidateBasic(h); err != nil {
		return err
	}
	if d := b.Digest(); d != h.BodyDigest {
		return fmt.Errorf("%w: digest %s, header commits to %s", ErrBadBody, d.Short(), h.BodyDigest.Short())
	}
	return nil
}

// Block is a header together with its body.
type Block struct {
	Header BlockHeader `json:"header"`
	Body   BlockBody   `json:"body"`
}

// Hash returns the hash of the block's header.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// MakeBlock assembles a child of parent carrying txs. It fills in the
// height, cumulative weight and body commitments. A nil parent makes a
// genesis block.
func MakeBlock(parent *BlockHeader, difficulty uint64, t time.Time, txs Txs, extra []byte) *Block {
	body := BlockBody{Txs: txs, Extra: extra}
	header := BlockHeader{
		Difficulty: NewWeight(difficulty),
		Weight:     NewWeight(difficulty),
		Time:       t,
		BodyDigest: body.Digest(),
		TxCount:    uint32(len(txs)),
		BodySize:   uint32(body.Size()),
		Proof:      []byte{0x01},
	}
	if parent != nil {
		header.ParentHash = parent.Hash()
		header.Height = parent.Height + 1
		header.Weight = parent.Weight.Add(header.Difficulty)
	}
	return &Block{Header: header, Body: body}
}
