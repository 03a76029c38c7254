package p2p

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

var (
	// ErrDuplicateIdentity is returned when a peer registers with a node ID
	// that already has a session.
	ErrDuplicateIdentity = errors.New("duplicate peer identity")

	// ErrProtocolViolation marks messages a well-behaved peer never sends.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is returned when a peer misses a deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBanned is returned when a banned peer tries to register.
	ErrBanned = errors.New("peer is banned")

	// ErrPeerNotFound is returned for operations on unknown peers.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("transport is closed")
)

// ErrRejected is returned when a handshake finds the remote peer unusable.
type ErrRejected struct {
	id     types.NodeID
	reason error
}

func (e ErrRejected) Error() string {
	return fmt.Sprintf("peer %s rejected: %v", e.id, e.reason)
}

func (e ErrRejected) Unwrap() error { return e.reason }

// ProtocolError wraps err as a protocol violation.
func ProtocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
