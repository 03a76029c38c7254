package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/tendermint/chainsync/types"
)

// Protocol names a transport. The TCP transport speaks TCPProtocol, the
// in-process one MemoryProtocol.
type Protocol string

const (
	TCPProtocol    Protocol = "tcp"
	MemoryProtocol Protocol = "memory"

	defaultProtocol = TCPProtocol
)

// NodeAddress is a peer address: the node ID the remote end must prove
// possession of, and where to reach it. For TCP the Addr is host:port, for
// the memory transport it is the node ID itself.
//
// The string form is [protocol://]id@addr, for example
// tcp://a1b2...@10.0.0.1:28656 or memory:a1b2...
type NodeAddress struct {
	NodeID   types.NodeID
	Protocol Protocol
	Addr     string
}

// ParseNodeAddress parses a node address string.
func ParseNodeAddress(s string) (NodeAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeAddress{}, errors.New("empty node address")
	}

	address := NodeAddress{Protocol: defaultProtocol}
	if i := strings.Index(s, "://"); i >= 0 {
		address.Protocol = Protocol(strings.ToLower(s[:i]))
		s = s[i+3:]
	} else if strings.HasPrefix(s, string(MemoryProtocol)+":") {
		address.Protocol = MemoryProtocol
		s = strings.TrimPrefix(s, string(MemoryProtocol)+":")
	}

	if address.Protocol == MemoryProtocol {
		address.NodeID = types.NodeID(strings.ToLower(s))
		address.Addr = string(address.NodeID)
		return address, address.Validate()
	}

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: missing node ID", s)
	}
	address.NodeID = types.NodeID(strings.ToLower(s[:at]))
	address.Addr = s[at+1:]
	return address, address.Validate()
}

// Validate checks the address.
func (a NodeAddress) Validate() error {
	if err := a.NodeID.Validate(); err != nil {
		return fmt.Errorf("invalid node ID: %w", err)
	}
	switch a.Protocol {
	case MemoryProtocol:
		if a.Addr != string(a.NodeID) {
			return errors.New("memory address must be the node ID")
		}
	case TCPProtocol:
		host, port, err := net.SplitHostPort(a.Addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a.Addr, err)
		}
		if host == "" {
			return fmt.Errorf("address %q has no host", a.Addr)
		}
		if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
			return fmt.Errorf("invalid port %q", port)
		}
	default:
		return fmt.Errorf("unsupported protocol %q", a.Protocol)
	}
	return nil
}

func (a NodeAddress) String() string {
	if a.Protocol == MemoryProtocol {
		return string(MemoryProtocol) + ":" + string(a.NodeID)
	}
	return fmt.Sprintf("%s://%s@%s", a.Protocol, a.NodeID, a.Addr)
}
