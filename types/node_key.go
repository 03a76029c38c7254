package types

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// NodeKey is the persistent peer key. It contains the node's private key
// for handshake authentication.
type NodeKey struct {
	// Canonical ID, derived from the public key.
	ID NodeID `json:"id"`
	// Private key
	PrivKey ed25519.PrivateKey `json:"priv_key"`
}

// PubKey returns the peer's public key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	bz, err := json.MarshalIndent(nk, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(bz), 0600)
	return err
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	nodeKey, err := LoadNodeKey(filePath)
	switch {
	case err == nil:
		return nodeKey, nil
	case !errors.Is(err, os.ErrNotExist):
		return NodeKey{}, err
	}

	nodeKey = GenNodeKey()
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}

// GenNodeKey generates a new node key.
func GenNodeKey() NodeKey {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return NodeKey{
		ID:      NodeIDFromPubKey(privKey.Public().(ed25519.PublicKey)),
		PrivKey: privKey,
	}
}

// LoadNodeKey loads NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	var nodeKey NodeKey
	if err := json.Unmarshal(bz, &nodeKey); err != nil {
		return NodeKey{}, fmt.Errorf("decoding node key %s: %w", filePath, err)
	}
	if len(nodeKey.PrivKey) != ed25519.PrivateKeySize {
		return NodeKey{}, fmt.Errorf("node key %s has invalid private key length %d", filePath, len(nodeKey.PrivKey))
	}
	nodeKey.ID = NodeIDFromPubKey(nodeKey.PubKey())
	return nodeKey, nil
}
