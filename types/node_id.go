package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// NodeIDByteLength is the length of the address a NodeID encodes.
const NodeIDByteLength = 20

// reNodeID is a regexp for valid node IDs.
var reNodeID = regexp.MustCompile(`^[0-9a-f]{40}$`)

// NodeID is a hex-encoded peer address. It must be lowercased
// (for uniqueness) and of length 2*NodeIDByteLength.
type NodeID string

// NewNodeID returns a lowercased (normalized) NodeID, or errors if the
// node ID is invalid.
func NewNodeID(nodeID string) (NodeID, error) {
	n := NodeID(strings.ToLower(nodeID))
	return n, n.Validate()
}

// NodeIDFromPubKey derives a node ID from the last 20 bytes of the
// Keccak-256 hash of an ed25519 public key.
func NodeIDFromPubKey(pubKey ed25519.PublicKey) NodeID {
	h := Keccak256Hash(pubKey)
	return NodeID(hex.EncodeToString(h[HashSize-NodeIDByteLength:]))
}

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case len(id) != 2*NodeIDByteLength:
		return fmt.Errorf("invalid node ID length %d, expected %d", len(id), 2*NodeIDByteLength)

	case !reNodeID.MatchString(string(id)):
		return fmt.Errorf("node ID can only contain lowercased hex digits")

	default:
		return nil
	}
}

// Short returns an abbreviated node ID for log lines.
func (id NodeID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
