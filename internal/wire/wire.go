// Package wire holds the msgpack representation of chain data shared by the
// peer transport and the block store. Domain types keep unexported fields,
// so every record crosses the codec through a flat struct defined here.
package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/tendermint/chainsync/types"
)

// Handle returns the msgpack handle used for every encoded record.
func Handle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// Marshal encodes v with msgpack.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, Handle()).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(bz []byte, v interface{}) error {
	return codec.NewDecoderBytes(bz, Handle()).Decode(v)
}

// Header is the encoded form of types.BlockHeader.
type Header struct {
	ParentHash []byte
	Height     uint64
	Difficulty []byte
	Weight     []byte
	Time       int64
	BodyDigest []byte
	TxCount    uint32
	BodySize   uint32
	Proof      []byte
}

// Body is the encoded form of types.BlockBody.
type Body struct {
	Txs   [][]byte
	Extra []byte
}

// Block is the encoded form of types.Block.
type Block struct {
	Header Header
	Body   Body
}

// Head is the encoded form of types.Head.
type Head struct {
	Hash   []byte
	Height uint64
	Weight []byte
}

func weightBytes(w types.Weight) []byte {
	b := w.Bytes32()
	return b[:]
}

func decodeWeight(bz []byte) (types.Weight, error) {
	if len(bz) != 32 {
		return types.Weight{}, fmt.Errorf("invalid weight length %d", len(bz))
	}
	var b [32]byte
	copy(b[:], bz)
	return types.WeightFromBytes32(b), nil
}

func decodeHash(bz []byte) (types.Hash, error) {
	if len(bz) != types.HashSize {
		return types.Hash{}, fmt.Errorf("invalid hash length %d", len(bz))
	}
	return types.BytesToHash(bz), nil
}

// FromHeader converts a header to its encoded form.
func FromHeader(h *types.BlockHeader) Header {
	return Header{
		ParentHash: h.ParentHash.Bytes(),
		Height:     h.Height,
		Difficulty: weightBytes(h.Difficulty),
		Weight:     weightBytes(h.Weight),
		Time:       h.Time.UnixNano(),
		BodyDigest: h.BodyDigest.Bytes(),
		TxCount:    h.TxCount,
		BodySize:   h.BodySize,
		Proof:      h.Proof,
	}
}

// ToHeader converts an encoded header back. Only the encoding is checked;
// semantic validation is left to the caller.
func (h Header) ToHeader() (*types.BlockHeader, error) {
	parent, err := decodeHash(h.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("parent hash: %w", err)
	}
	digest, err := decodeHash(h.BodyDigest)
	if err != nil {
		return nil, fmt.Errorf("body digest: %w", err)
	}
	difficulty, err := decodeWeight(h.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("difficulty: %w", err)
	}
	weight, err := decodeWeight(h.Weight)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	return &types.BlockHeader{
		ParentHash: parent,
		Height:     h.Height,
		Difficulty: difficulty,
		Weight:     weight,
		Time:       time.Unix(0, h.Time).UTC(),
		BodyDigest: digest,
		TxCount:    h.TxCount,
		BodySize:   h.BodySize,
		Proof:      h.Proof,
	}, nil
}

// FromBody converts a body to its encoded form.
func FromBody(b *types.BlockBody) Body {
	txs := make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		txs[i] = tx
	}
	return Body{Txs: txs, Extra: b.Extra}
}

// ToBody converts an encoded body back.
func (b Body) ToBody() *types.BlockBody {
	var txs types.Txs
	if len(b.Txs) > 0 {
		txs = make(types.Txs, len(b.Txs))
		for i, tx := range b.Txs {
			txs[i] = tx
		}
	}
	return &types.BlockBody{Txs: txs, Extra: b.Extra}
}

// FromBlock converts a block to its encoded form.
func FromBlock(b *types.Block) Block {
	return Block{Header: FromHeader(&b.Header), Body: FromBody(&b.Body)}
}

// ToBlock converts an encoded block back.
func (b Block) ToBlock() (*types.Block, error) {
	h, err := b.Header.ToHeader()
	if err != nil {
		return nil, err
	}
	return &types.Block{Header: *h, Body: *b.Body.ToBody()}, nil
}

// FromHead converts a head to its encoded form.
func FromHead(h types.Head) Head {
	return Head{Hash: h.Hash.Bytes(), Height: h.Height, Weight: weightBytes(h.Weight)}
}

// ToHead converts an encoded head back.
func (h Head) ToHead() (types.Head, error) {
	hash, err := decodeHash(h.Hash)
	if err != nil {
		return types.Head{}, err
	}
	weight, err := decodeWeight(h.Weight)
	if err != nil {
		return types.Head{}, err
	}
	return types.Head{Hash: hash, Height: h.Height, Weight: weight}, nil
}
