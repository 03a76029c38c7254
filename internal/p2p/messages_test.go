package p2p

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/types"
)

func TestMessageEncoding(t *testing.T) {
	genesis := types.MakeBlock(nil, 1, time.Unix(1577836800, 0).UTC(), nil, nil)
	child := types.MakeBlock(&genesis.Header, 3, time.Unix(1577836801, 0).UTC(),
		types.Txs{types.Tx("tx-one"), types.Tx("tx-two")}, []byte("extra"))

	testcases := map[string]Message{
		"status": &Status{Head: child.Header.Head()},
		"get headers by hash": &GetHeaders{
			RequestID:  7,
			OriginHash: child.Hash(),
			Amount:     192,
			Skip:       2,
			Reverse:    true,
		},
		"get headers by height": &GetHeaders{RequestID: 8, OriginHeight: 60, Amount: 1},
		"headers":               &Headers{RequestID: 7, Headers: []*types.BlockHeader{&genesis.Header, &child.Header}},
		"get bodies":            &GetBodies{RequestID: 9, Hashes: []types.Hash{child.Hash()}},
		"bodies": &Bodies{
			RequestID: 9,
			Hashes:    []types.Hash{child.Hash()},
			Bodies:    []*types.BlockBody{&child.Body},
		},
		"new block":  &NewBlockAnnouncement{Head: child.Header.Head(), ParentHash: genesis.Hash()},
		"new txs":    &NewTransactionAnnouncement{Txs: types.Txs{types.Tx("payload")}},
		"disconnect": &Disconnect{Reason: "too many peers"},
	}
	for name, msg := range testcases {
		msg := msg
		t.Run(name, func(t *testing.T) {
			bz, err := EncodeMessage(msg)
			require.NoError(t, err)
			require.Equal(t, byte(msg.Kind()), bz[0])

			decoded, err := DecodeMessage(bz)
			require.NoError(t, err)
			if diff := cmp.Diff(msg, decoded,
				cmpopts.EquateEmpty(),
				cmp.Comparer(func(a, b types.Weight) bool { return a.Cmp(b) == 0 }),
				cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
			); diff != "" {
				t.Errorf("decoded message differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageEncoding_HeaderHashSurvives(t *testing.T) {
	block := types.MakeBlock(nil, 1, time.Unix(1577836800, 0).UTC(), types.Txs{types.Tx("a")}, nil)

	bz, err := EncodeMessage(&Headers{RequestID: 1, Headers: []*types.BlockHeader{&block.Header}})
	require.NoError(t, err)
	msg, err := DecodeMessage(bz)
	require.NoError(t, err)
	require.Equal(t, block.Hash(), msg.(*Headers).Headers[0].Hash())
}

func TestDecodeMessage_Malformed(t *testing.T) {
	testcases := map[string][]byte{
		"empty":        {},
		"unknown kind": {0xff, 0x80},
		"truncated":    {byte(KindStatus), 0x83},
		"wrong shape":  {byte(KindGetBodies), 0xa3, 'f', 'o', 'o'},
	}
	for name, bz := range testcases {
		bz := bz
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage(bz)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
		})
	}
}

func TestDecodeMessage_BodiesLengthMismatch(t *testing.T) {
	block := types.MakeBlock(nil, 1, time.Unix(1577836800, 0).UTC(), types.Txs{types.Tx("a")}, nil)
	bz, err := EncodeMessage(&Bodies{
		RequestID: 1,
		Hashes:    []types.Hash{block.Hash(), block.Hash()},
		Bodies:    []*types.BlockBody{&block.Body},
	})
	require.NoError(t, err)

	_, err = DecodeMessage(bz)
	require.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestMessageKind_Capability(t *testing.T) {
	require.Equal(t, CapHeaders, KindGetHeaders.Capability())
	require.Equal(t, CapBodies, KindBodies.Capability())
	require.Equal(t, CapAnnounce, KindNewBlock.Capability())
	require.Equal(t, CapTxRelay, KindNewTransactions.Capability())
	require.Equal(t, Capability(""), KindStatus.Capability())
	require.Equal(t, "get_headers", KindGetHeaders.String())
}
