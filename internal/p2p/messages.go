package p2p

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/types"
)

// MessageKind is the one byte tag framing every message on the wire.
type MessageKind byte

const (
	KindHandshake MessageKind = iota + 1
	KindAuth
	KindStatus
	KindGetHeaders
	KindHeaders
	KindGetBodies
	KindBodies
	KindNewBlock
	KindNewTransactions
	KindDisconnect
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindAuth:
		return "auth"
	case KindStatus:
		return "status"
	case KindGetHeaders:
		return "get_headers"
	case KindHeaders:
		return "headers"
	case KindGetBodies:
		return "get_bodies"
	case KindBodies:
		return "bodies"
	case KindNewBlock:
		return "new_block"
	case KindNewTransactions:
		return "new_transactions"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("MessageKind(%d)", byte(k))
	}
}

// Capability returns the capability a peer must have negotiated for the
// message kind to be exchanged. Status and Disconnect need none.
func (k MessageKind) Capability() Capability {
	switch k {
	case KindGetHeaders, KindHeaders:
		return CapHeaders
	case KindGetBodies, KindBodies:
		return CapBodies
	case KindNewBlock:
		return CapAnnounce
	case KindNewTransactions:
		return CapTxRelay
	default:
		return ""
	}
}

// Message is a sync protocol message.
type Message interface {
	Kind() MessageKind
}

// Envelope contains a message with sender/receiver routing info.
type Envelope struct {
	From      types.NodeID // sender (empty if outbound)
	To        types.NodeID // receiver (empty if inbound)
	Broadcast bool         // send to all connected peers (ignores To)
	Message   Message      // message payload
}

// Status advertises a node's canonical head.
type Status struct {
	Head types.Head
}

// GetHeaders asks for Amount headers starting at Origin (by hash when
// OriginHash is set, by height otherwise), stepping Skip+1 heights in the
// direction given by Reverse.
type GetHeaders struct {
	RequestID    uint64
	OriginHash   types.Hash
	OriginHeight uint64
	Amount       uint32
	Skip         uint32
	Reverse      bool
}

// Headers answers GetHeaders.
type Headers struct {
	RequestID uint64
	Headers   []*types.BlockHeader
}

// GetBodies asks for the bodies of the given blocks.
type GetBodies struct {
	RequestID uint64
	Hashes    []types.Hash
}

// Bodies answers GetBodies, in request order. Unknown blocks are skipped,
// so a response may be shorter than its request.
type Bodies struct {
	RequestID uint64
	Hashes    []types.Hash
	Bodies    []*types.BlockBody
}

// NewBlockAnnouncement is the compact announcement of a newly imported
// block.
type NewBlockAnnouncement struct {
	Head       types.Head
	ParentHash types.Hash
}

// NewTransactionAnnouncement relays transactions with their payload.
type NewTransactionAnnouncement struct {
	Txs types.Txs
}

// Disconnect tells a peer why it is being dropped.
type Disconnect struct {
	Reason string
}

func (*Status) Kind() MessageKind                     { return KindStatus }
func (*GetHeaders) Kind() MessageKind                 { return KindGetHeaders }
func (*Headers) Kind() MessageKind                    { return KindHeaders }
func (*GetBodies) Kind() MessageKind                  { return KindGetBodies }
func (*Bodies) Kind() MessageKind                     { return KindBodies }
func (*NewBlockAnnouncement) Kind() MessageKind       { return KindNewBlock }
func (*NewTransactionAnnouncement) Kind() MessageKind { return KindNewTransactions }
func (*Disconnect) Kind() MessageKind                 { return KindDisconnect }

// handshakeMessage opens the handshake. The nonce is signed back by the
// remote side to prove possession of the key behind NodeID.
type handshakeMessage struct {
	Info   NodeInfo
	PubKey []byte
	Nonce  []byte
}

type authMessage struct {
	Signature []byte
}

func (*handshakeMessage) Kind() MessageKind { return KindHandshake }
func (*authMessage) Kind() MessageKind      { return KindAuth }

//-----------------------------------------------------------------------------
// encoding

type wireNodeInfo struct {
	NodeID          string
	ProtocolVersion uint32
	NetworkID       uint64
	Genesis         []byte
	Capabilities    []string
	Head            wire.Head
	ListenAddr      string
	Moniker         string
}

type wireHandshake struct {
	Info   wireNodeInfo
	PubKey []byte
	Nonce  []byte
}

type wireAuth struct {
	Signature []byte
}

type wireStatus struct {
	Head wire.Head
}

type wireGetHeaders struct {
	RequestID    uint64
	OriginHash   []byte
	OriginHeight uint64
	Amount       uint32
	Skip         uint32
	Reverse      bool
}

type wireHeaders struct {
	RequestID uint64
	Headers   []wire.Header
}

type wireGetBodies struct {
	RequestID uint64
	Hashes    [][]byte
}

type wireBodies struct {
	RequestID uint64
	Hashes    [][]byte
	Bodies    []wire.Body
}

type wireNewBlock struct {
	Head       wire.Head
	ParentHash []byte
}

type wireNewTxs struct {
	Txs [][]byte
}

type wireDisconnect struct {
	Reason string
}

// EncodeMessage frames msg as one kind byte followed by its msgpack
// encoding.
func EncodeMessage(msg Message) ([]byte, error) {
	var v interface{}
	switch m := msg.(type) {
	case *handshakeMessage:
		v = wireHandshake{Info: toWireNodeInfo(m.Info), PubKey: m.PubKey, Nonce: m.Nonce}
	case *authMessage:
		v = wireAuth{Signature: m.Signature}
	case *Status:
		v = wireStatus{Head: wire.FromHead(m.Head)}
	case *GetHeaders:
		w := wireGetHeaders{
			RequestID:    m.RequestID,
			OriginHeight: m.OriginHeight,
			Amount:       m.Amount,
			Skip:         m.Skip,
			Reverse:      m.Reverse,
		}
		if !m.OriginHash.IsZero() {
			w.OriginHash = m.OriginHash.Bytes()
		}
		v = w
	case *Headers:
		w := wireHeaders{RequestID: m.RequestID, Headers: make([]wire.Header, len(m.Headers))}
		for i, h := range m.Headers {
			w.Headers[i] = wire.FromHeader(h)
		}
		v = w
	case *GetBodies:
		v = wireGetBodies{RequestID: m.RequestID, Hashes: hashesToBytes(m.Hashes)}
	case *Bodies:
		w := wireBodies{RequestID: m.RequestID, Hashes: hashesToBytes(m.Hashes), Bodies: make([]wire.Body, len(m.Bodies))}
		for i, b := range m.Bodies {
			w.Bodies[i] = wire.FromBody(b)
		}
		v = w
	case *NewBlockAnnouncement:
		v = wireNewBlock{Head: wire.FromHead(m.Head), ParentHash: m.ParentHash.Bytes()}
	case *NewTransactionAnnouncement:
		w := wireNewTxs{Txs: make([][]byte, len(m.Txs))}
		for i, tx := range m.Txs {
			w.Txs[i] = tx
		}
		v = w
	case *Disconnect:
		v = wireDisconnect{Reason: m.Reason}
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}

	bz, err := wire.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(msg.Kind())}, bz...), nil
}

// DecodeMessage parses a frame produced by EncodeMessage. Malformed frames
// are protocol violations.
func DecodeMessage(bz []byte) (Message, error) {
	if len(bz) < 1 {
		return nil, ProtocolError("empty message")
	}
	msg, err := decodeMessage(MessageKind(bz[0]), bz[1:])
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			return nil, err
		}
		return nil, ProtocolError("decoding %v: %v", MessageKind(bz[0]), err)
	}
	return msg, nil
}

func decodeMessage(kind MessageKind, bz []byte) (Message, error) {
	switch kind {
	case KindHandshake:
		var w wireHandshake
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		info, err := fromWireNodeInfo(w.Info)
		if err != nil {
			return nil, err
		}
		return &handshakeMessage{Info: info, PubKey: w.PubKey, Nonce: w.Nonce}, nil

	case KindAuth:
		var w wireAuth
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		return &authMessage{Signature: w.Signature}, nil

	case KindStatus:
		var w wireStatus
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		head, err := w.Head.ToHead()
		if err != nil {
			return nil, err
		}
		return &Status{Head: head}, nil

	case KindGetHeaders:
		var w wireGetHeaders
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		m := &GetHeaders{
			RequestID:    w.RequestID,
			OriginHeight: w.OriginHeight,
			Amount:       w.Amount,
			Skip:         w.Skip,
			Reverse:      w.Reverse,
		}
		if len(w.OriginHash) > 0 {
			h, err := bytesToHash(w.OriginHash)
			if err != nil {
				return nil, err
			}
			m.OriginHash = h
		}
		return m, nil

	case KindHeaders:
		var w wireHeaders
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		m := &Headers{RequestID: w.RequestID, Headers: make([]*types.BlockHeader, len(w.Headers))}
		for i, wh := range w.Headers {
			h, err := wh.ToHeader()
			if err != nil {
				return nil, err
			}
			m.Headers[i] = h
		}
		return m, nil

	case KindGetBodies:
		var w wireGetBodies
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		hashes, err := bytesToHashes(w.Hashes)
		if err != nil {
			return nil, err
		}
		return &GetBodies{RequestID: w.RequestID, Hashes: hashes}, nil

	case KindBodies:
		var w wireBodies
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		hashes, err := bytesToHashes(w.Hashes)
		if err != nil {
			return nil, err
		}
		if len(hashes) != len(w.Bodies) {
			return nil, ProtocolError("bodies response has %d hashes and %d bodies", len(hashes), len(w.Bodies))
		}
		m := &Bodies{RequestID: w.RequestID, Hashes: hashes, Bodies: make([]*types.BlockBody, len(w.Bodies))}
		for i, wb := range w.Bodies {
			m.Bodies[i] = wb.ToBody()
		}
		return m, nil

	case KindNewBlock:
		var w wireNewBlock
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		head, err := w.Head.ToHead()
		if err != nil {
			return nil, err
		}
		parent, err := bytesToHash(w.ParentHash)
		if err != nil {
			return nil, err
		}
		return &NewBlockAnnouncement{Head: head, ParentHash: parent}, nil

	case KindNewTransactions:
		var w wireNewTxs
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		m := &NewTransactionAnnouncement{Txs: make(types.Txs, len(w.Txs))}
		for i, tx := range w.Txs {
			m.Txs[i] = tx
		}
		return m, nil

	case KindDisconnect:
		var w wireDisconnect
		if err := wire.Unmarshal(bz, &w); err != nil {
			return nil, err
		}
		return &Disconnect{Reason: w.Reason}, nil

	default:
		return nil, ProtocolError("unknown message kind %d", byte(kind))
	}
}

func toWireNodeInfo(info NodeInfo) wireNodeInfo {
	caps := make([]string, 0, len(info.Capabilities))
	for _, c := range info.Capabilities.List() {
		caps = append(caps, string(c))
	}
	return wireNodeInfo{
		NodeID:          string(info.NodeID),
		ProtocolVersion: info.ProtocolVersion,
		NetworkID:       info.NetworkID,
		Genesis:         info.Genesis.Bytes(),
		Capabilities:    caps,
		Head:            wire.FromHead(info.Head),
		ListenAddr:      info.ListenAddr,
		Moniker:         info.Moniker,
	}
}

func fromWireNodeInfo(w wireNodeInfo) (NodeInfo, error) {
	genesis, err := bytesToHash(w.Genesis)
	if err != nil {
		return NodeInfo{}, err
	}
	head, err := w.Head.ToHead()
	if err != nil {
		return NodeInfo{}, err
	}
	caps := CapabilitySet{}
	for _, c := range w.Capabilities {
		caps[Capability(c)] = struct{}{}
	}
	return NodeInfo{
		NodeID:          types.NodeID(w.NodeID),
		ProtocolVersion: w.ProtocolVersion,
		NetworkID:       w.NetworkID,
		Genesis:         genesis,
		Capabilities:    caps,
		Head:            head,
		ListenAddr:      w.ListenAddr,
		Moniker:         w.Moniker,
	}, nil
}

func hashesToBytes(hashes []types.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}

func bytesToHash(bz []byte) (types.Hash, error) {
	if len(bz) != types.HashSize {
		return types.Hash{}, fmt.Errorf("invalid hash length %d", len(bz))
	}
	return types.BytesToHash(bz), nil
}

func bytesToHashes(in [][]byte) ([]types.Hash, error) {
	out := make([]types.Hash, len(in))
	for i, bz := range in {
		h, err := bytesToHash(bz)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}
