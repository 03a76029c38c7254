package p2p

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/chainsync/types"
)

// nonceSize is the size of the handshake challenge each side signs.
const nonceSize = 32

// authDomain separates handshake signatures from any other use of the
// node key.
var authDomain = []byte("chainsync/handshake/v1:")

// Transport is a connection-oriented mechanism for exchanging framed
// messages with peers.
type Transport interface {
	// Protocol returns the protocol the transport speaks.
	Protocol() Protocol

	// Endpoint returns the address the transport accepts connections on,
	// in the form used by NodeAddress.Addr.
	Endpoint() string

	// Accept waits for the next inbound connection. It returns io.EOF once
	// the transport is closed.
	Accept(context.Context) (Connection, error)

	// Dial creates an outbound connection to an address.
	Dial(context.Context, NodeAddress) (Connection, error)

	// Close stops accepting connections. Established connections are not
	// affected.
	Close() error

	fmt.Stringer
}

// Connection is an established connection. Messages are opaque frames
// produced by EncodeMessage.
//
// Callers must not call ReceiveMessage or SendMessage concurrently with
// themselves, but a reader and a writer may run concurrently.
type Connection interface {
	// Handshake exchanges node information and proves possession of the
	// private key behind the local node ID. It returns the remote node's
	// information once the remote side has proven its own identity.
	Handshake(context.Context, NodeInfo, ed25519.PrivateKey) (NodeInfo, error)

	// ReceiveMessage returns the next frame. It returns io.EOF when the
	// connection is closed.
	ReceiveMessage(context.Context) ([]byte, error)

	// SendMessage writes a frame.
	SendMessage(context.Context, []byte) error

	// RemoteAddr returns the remote address of the connection.
	RemoteAddr() string

	// Close closes the connection.
	Close() error

	fmt.Stringer
}

// handshake runs the authenticated handshake over a connection. Both sides
// send their NodeInfo, public key and a fresh nonce, then sign the other
// side's nonce.
func handshake(ctx context.Context, conn Connection, local NodeInfo, privKey ed25519.PrivateKey) (NodeInfo, error) {
	pubKey, ok := privKey.Public().(ed25519.PublicKey)
	if !ok {
		return NodeInfo{}, fmt.Errorf("invalid private key type %T", privKey.Public())
	}
	if id := types.NodeIDFromPubKey(pubKey); id != local.NodeID {
		return NodeInfo{}, fmt.Errorf("local node ID %v does not match private key (%v)", local.NodeID, id)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return NodeInfo{}, err
	}

	var remote *handshakeMessage
	err := exchange(ctx, conn, &handshakeMessage{Info: local, PubKey: pubKey, Nonce: nonce},
		func(msg Message) error {
			hs, ok := msg.(*handshakeMessage)
			if !ok {
				return ProtocolError("expected handshake, got %v", msg.Kind())
			}
			remote = hs
			return nil
		})
	if err != nil {
		return NodeInfo{}, err
	}

	if len(remote.PubKey) != ed25519.PublicKeySize {
		return NodeInfo{}, ErrRejected{id: remote.Info.NodeID, reason: ProtocolError("invalid public key length %d", len(remote.PubKey))}
	}
	remotePubKey := ed25519.PublicKey(remote.PubKey)
	if id := types.NodeIDFromPubKey(remotePubKey); id != remote.Info.NodeID {
		return NodeInfo{}, ErrRejected{
			id:     remote.Info.NodeID,
			reason: fmt.Errorf("node ID does not match public key (%v)", id),
		}
	}
	if len(remote.Nonce) != nonceSize {
		return NodeInfo{}, ErrRejected{id: remote.Info.NodeID, reason: ProtocolError("invalid nonce length %d", len(remote.Nonce))}
	}

	sig := ed25519.Sign(privKey, append(append([]byte(nil), authDomain...), remote.Nonce...))
	err = exchange(ctx, conn, &authMessage{Signature: sig}, func(msg Message) error {
		auth, ok := msg.(*authMessage)
		if !ok {
			return ProtocolError("expected auth, got %v", msg.Kind())
		}
		if !ed25519.Verify(remotePubKey, append(append([]byte(nil), authDomain...), nonce...), auth.Signature) {
			return ErrRejected{id: remote.Info.NodeID, reason: ProtocolError("invalid handshake signature")}
		}
		return nil
	})
	if err != nil {
		return NodeInfo{}, err
	}
	return remote.Info, nil
}

// exchange sends msg and concurrently receives the remote side's message,
// so that neither side blocks on an unbuffered connection.
func exchange(ctx context.Context, conn Connection, msg Message, recv func(Message) error) error {
	bz, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.SendMessage(gctx, bz)
	})
	g.Go(func() error {
		in, err := conn.ReceiveMessage(gctx)
		if err != nil {
			return err
		}
		m, err := DecodeMessage(in)
		if err != nil {
			return err
		}
		return recv(m)
	})
	return g.Wait()
}
