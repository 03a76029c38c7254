package p2p

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendermint/chainsync/types"
)

// ProtocolVersion is the version of the sync protocol spoken by this node.
const ProtocolVersion uint32 = 1

// SessionState is the lifecycle state of a peer session.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionHandshaking
	SessionIdle
	SessionSyncing
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionHandshaking:
		return "handshaking"
	case SessionIdle:
		return "idle"
	case SessionSyncing:
		return "syncing"
	case SessionDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Capability is a protocol feature negotiated during the handshake.
type Capability string

const (
	CapHeaders  Capability = "headers"
	CapBodies   Capability = "bodies"
	CapTxRelay  Capability = "tx-relay"
	CapAnnounce Capability = "announce"
)

// CapabilitySet is a set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet returns a set holding caps.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	cs := make(CapabilitySet, len(caps))
	for _, c := range caps {
		cs[c] = struct{}{}
	}
	return cs
}

// AllCapabilities is the full feature set of this implementation.
func AllCapabilities() CapabilitySet {
	return NewCapabilitySet(CapHeaders, CapBodies, CapTxRelay, CapAnnounce)
}

// Has reports whether c is in the set.
func (cs CapabilitySet) Has(c Capability) bool {
	_, ok := cs[c]
	return ok
}

// Intersect returns the capabilities present in both sets.
func (cs CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := CapabilitySet{}
	for c := range cs {
		if other.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// List returns the capabilities in lexical order.
func (cs CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(cs))
	for c := range cs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cs CapabilitySet) String() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs.List() {
		parts = append(parts, string(c))
	}
	return strings.Join(parts, ",")
}

// NodeInfo is what a node tells its peers about itself in the handshake.
type NodeInfo struct {
	NodeID          types.NodeID
	ProtocolVersion uint32
	NetworkID       uint64
	Genesis         types.Hash
	Capabilities    CapabilitySet
	Head            types.Head
	ListenAddr      string
	Moniker         string
}

// Validate checks the node info is well formed.
func (info NodeInfo) Validate() error {
	if err := info.NodeID.Validate(); err != nil {
		return fmt.Errorf("invalid node ID: %w", err)
	}
	if info.Genesis.IsZero() {
		return errors.New("missing genesis hash")
	}
	return nil
}

// CompatibleWith checks that a remote peer can talk to us. It requires a
// matching protocol version, network and genesis, and at least the headers
// capability, without which a peer is useless for synchronization.
func (info NodeInfo) CompatibleWith(other NodeInfo) error {
	switch {
	case info.ProtocolVersion != other.ProtocolVersion:
		return fmt.Errorf("peer is on a different protocol version. Got %d, expected %d",
			other.ProtocolVersion, info.ProtocolVersion)
	case info.NetworkID != other.NetworkID:
		return fmt.Errorf("peer is on a different network. Got %d, expected %d",
			other.NetworkID, info.NetworkID)
	case info.Genesis != other.Genesis:
		return fmt.Errorf("peer has a different genesis. Got %s, expected %s",
			other.Genesis.Short(), info.Genesis.Short())
	case !info.Capabilities.Intersect(other.Capabilities).Has(CapHeaders):
		return errors.New("peer does not serve headers")
	}
	return nil
}

// Session tracks the protocol state of one connection. It is safe for
// concurrent use.
type Session struct {
	id       types.NodeID
	outbound bool

	mtx          sync.Mutex
	state        SessionState
	caps         CapabilitySet
	info         NodeInfo
	deadline     time.Time
	disconnectCh chan struct{}
	reason       error
}

// NewSession creates a session in the Connecting state. The handshake must
// complete before deadline.
func NewSession(id types.NodeID, outbound bool, deadline time.Time) *Session {
	return &Session{
		id:           id,
		outbound:     outbound,
		state:        SessionConnecting,
		caps:         CapabilitySet{},
		deadline:     deadline,
		disconnectCh: make(chan struct{}),
	}
}

// ID returns the remote node ID.
func (s *Session) ID() types.NodeID { return s.id }

// Outbound reports whether we dialed the peer.
func (s *Session) Outbound() bool { return s.outbound }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Capabilities returns the negotiated capability set.
func (s *Session) Capabilities() CapabilitySet {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.caps
}

// Info returns the remote handshake data.
func (s *Session) Info() NodeInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.info
}

// BeginHandshake moves Connecting to Handshaking.
func (s *Session) BeginHandshake() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != SessionConnecting {
		return fmt.Errorf("cannot handshake in state %v", s.state)
	}
	s.state = SessionHandshaking
	return nil
}

// CompleteHandshake validates the remote info against ours and moves the
// session to Idle. On any failure the session is disconnected.
func (s *Session) CompleteHandshake(local, remote NodeInfo, now time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != SessionHandshaking {
		return fmt.Errorf("cannot complete handshake in state %v", s.state)
	}
	var err error
	switch {
	case !s.deadline.IsZero() && now.After(s.deadline):
		err = fmt.Errorf("%w: handshake deadline passed", ErrTimeout)
	case remote.NodeID != s.id:
		err = fmt.Errorf("expected peer %s, got %s", s.id, remote.NodeID)
	default:
		if err = remote.Validate(); err == nil {
			err = local.CompatibleWith(remote)
		}
	}
	if err != nil {
		s.disconnectLocked(err)
		return ErrRejected{id: s.id, reason: err}
	}

	s.info = remote
	s.caps = local.Capabilities.Intersect(remote.Capabilities)
	s.state = SessionIdle
	return nil
}

// SetSyncing toggles between Idle and Syncing depending on whether the
// peer has requests in flight.
func (s *Session) SetSyncing(syncing bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch {
	case syncing && s.state == SessionIdle:
		s.state = SessionSyncing
	case !syncing && s.state == SessionSyncing:
		s.state = SessionIdle
	}
}

// Accepts reports whether a message needing capability c may be exchanged
// in the current state.
func (s *Session) Accepts(c Capability) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != SessionIdle && s.state != SessionSyncing {
		return false
	}
	return c == "" || s.caps.Has(c)
}

// Disconnect moves the session to Disconnected. It is idempotent and
// returns false if the session was already disconnected.
func (s *Session) Disconnect(reason error) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.disconnectLocked(reason)
}

func (s *Session) disconnectLocked(reason error) bool {
	if s.state == SessionDisconnected {
		return false
	}
	s.state = SessionDisconnected
	s.reason = reason
	close(s.disconnectCh)
	return true
}

// Done returns a channel closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.disconnectCh }

// Reason returns why the session was disconnected.
func (s *Session) Reason() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.reason
}
