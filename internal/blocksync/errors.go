package blocksync

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

var (
	// ErrStalled is reported for work that no peer could supply within the
	// retry budget. The work resumes when a peer that has not tried it yet
	// becomes eligible.
	ErrStalled = errors.New("stalled")

	// ErrLateResponse is returned for a response to a ticket that already
	// expired. Such responses are dropped without penalty.
	ErrLateResponse = errors.New("response to expired request")

	// ErrUnsolicited is returned for a response to a ticket that was never
	// issued to the sending peer.
	ErrUnsolicited = errors.New("unsolicited response")

	// ErrQueueFull is returned when the import queue holds the maximum
	// number of pending blocks.
	ErrQueueFull = errors.New("import queue is full")

	// ErrParkedTooDeep is returned when a parked chain grows past the
	// maximum parked depth and is discarded as unreachable.
	ErrParkedTooDeep = errors.New("parked chain exceeds maximum depth")
)

type peerError struct {
	err    error
	peerID types.NodeID
}

func (e peerError) Error() string {
	return fmt.Sprintf("error with peer %v: %s", e.peerID, e.err.Error())
}

func (e peerError) Unwrap() error { return e.err }
