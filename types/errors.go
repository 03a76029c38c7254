package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBadBody is returned when a body does not match the commitments of
	// its header.
	ErrBadBody = errors.New("body does not match header")

	// ErrMalformedTx is returned for transactions that cannot be relayed.
	ErrMalformedTx = errors.New("malformed transaction")
)

// ErrInvalidHeader is returned by the ledger when a header fails validation.
type ErrInvalidHeader struct {
	Hash   Hash
	Reason error
}

func (e ErrInvalidHeader) Error() string {
	return fmt.Sprintf("invalid header %s: %v", e.Hash.Short(), e.Reason)
}

func (e ErrInvalidHeader) Unwrap() error { return e.Reason }

// ErrRejectedBlock is returned by the ledger when a block fails execution.
type ErrRejectedBlock struct {
	Hash   Hash
	Reason error
}

func (e ErrRejectedBlock) Error() string {
	return fmt.Sprintf("rejected block %s: %v", e.Hash.Short(), e.Reason)
}

func (e ErrRejectedBlock) Unwrap() error { return e.Reason }

// ErrRevertFailed is returned by the ledger when it cannot roll back to the
// requested ancestor. The canonical chain is left untouched.
type ErrRevertFailed struct {
	Target Hash
	Reason error
}

func (e ErrRevertFailed) Error() string {
	return fmt.Sprintf("failed to revert to %s: %v", e.Target.Short(), e.Reason)
}

func (e ErrRevertFailed) Unwrap() error { return e.Reason }

// IsInvalidData reports whether err identifies data a peer should never have
// sent: an invalid header, a rejected block or a mismatching body.
func IsInvalidData(err error) bool {
	var (
		ih ErrInvalidHeader
		rb ErrRejectedBlock
	)
	return errors.As(err, &ih) || errors.As(err, &rb) || errors.Is(err, ErrBadBody)
}
