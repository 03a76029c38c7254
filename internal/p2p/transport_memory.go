package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// MemoryNetwork is an in-memory "network" that uses buffered Go channels to
// communicate between endpoints. It is primarily meant for testing.
//
// Network endpoints are allocated via CreateTransport(), which takes a node
// ID, and the endpoint is then immediately accessible via the address
// memory:<nodeID>.
type MemoryNetwork struct {
	logger     log.Logger
	bufferSize int

	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network. bufferSize is the
// number of frames buffered per direction of a connection.
func NewMemoryNetwork(logger log.Logger, bufferSize int) *MemoryNetwork {
	return &MemoryNetwork{
		bufferSize: bufferSize,
		logger:     logger,
		transports: map[types.NodeID]*MemoryTransport{},
	}
}

// CreateTransport creates a new memory transport endpoint with the given
// node ID. It panics if the node ID is already taken.
func (n *MemoryNetwork) CreateTransport(nodeID types.NodeID) *MemoryTransport {
	t := &MemoryTransport{
		logger:   n.logger.With("local", nodeID),
		network:  n,
		nodeID:   nodeID,
		acceptCh: make(chan *MemoryConnection),
		closeCh:  make(chan struct{}),
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[nodeID]; ok {
		panic(fmt.Sprintf("memory transport with node ID %q already exists", nodeID))
	}
	n.transports[nodeID] = t
	return t
}

// GetTransport looks up a transport in the network, returning nil if not
// found.
func (n *MemoryNetwork) GetTransport(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// RemoveTransport removes a transport from the network and closes it.
func (n *MemoryNetwork) RemoveTransport(id types.NodeID) {
	n.mtx.Lock()
	t, ok := n.transports[id]
	delete(n.transports, id)
	n.mtx.Unlock()

	if ok {
		_ = t.Close()
	}
}

// Size returns the number of transports in the network.
func (n *MemoryNetwork) Size() int {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.transports)
}

// MemoryTransport is a transport endpoint in a MemoryNetwork.
type MemoryTransport struct {
	logger  log.Logger
	network *MemoryNetwork
	nodeID  types.NodeID

	acceptCh  chan *MemoryConnection
	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) String() string { return string(MemoryProtocol) }

// Protocol implements Transport.
func (t *MemoryTransport) Protocol() Protocol { return MemoryProtocol }

// Endpoint implements Transport.
func (t *MemoryTransport) Endpoint() string { return string(t.nodeID) }

// Accept implements Transport.
func (t *MemoryTransport) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn := <-t.acceptCh:
		t.logger.Debug("accepted connection", "remote", conn.RemoteAddr())
		return conn, nil
	case <-t.closeCh:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, io.EOF
	}
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, address NodeAddress) (Connection, error) {
	if address.Protocol != MemoryProtocol {
		return nil, fmt.Errorf("can't dial %v with %v transport", address.Protocol, MemoryProtocol)
	}
	if err := address.Validate(); err != nil {
		return nil, err
	}

	peer := t.network.GetTransport(address.NodeID)
	if peer == nil {
		return nil, fmt.Errorf("unknown peer %q", address.NodeID)
	}

	inCh := make(chan []byte, t.network.bufferSize)
	outCh := make(chan []byte, t.network.bufferSize)
	closer := &memoryCloser{ch: make(chan struct{})}

	outConn := newMemoryConnection(t.logger, t.nodeID, peer.nodeID, inCh, outCh, closer)
	inConn := newMemoryConnection(peer.logger, peer.nodeID, t.nodeID, outCh, inCh, closer)

	select {
	case peer.acceptCh <- inConn:
		return outConn, nil
	case <-peer.closeCh:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.logger.Debug("closed transport")
	})
	return nil
}

// memoryCloser is shared by both ends of a connection, so closing either
// end closes both.
type memoryCloser struct {
	once sync.Once
	ch   chan struct{}
}

func (c *memoryCloser) close() { c.once.Do(func() { close(c.ch) }) }

// MemoryConnection is an in-memory connection between two transport
// endpoints.
type MemoryConnection struct {
	logger   log.Logger
	localID  types.NodeID
	remoteID types.NodeID

	receiveCh <-chan []byte
	sendCh    chan<- []byte
	closer    *memoryCloser
}

var _ Connection = (*MemoryConnection)(nil)

func newMemoryConnection(
	logger log.Logger,
	localID types.NodeID,
	remoteID types.NodeID,
	receiveCh <-chan []byte,
	sendCh chan<- []byte,
	closer *memoryCloser,
) *MemoryConnection {
	return &MemoryConnection{
		logger:    logger.With("remote", remoteID),
		localID:   localID,
		remoteID:  remoteID,
		receiveCh: receiveCh,
		sendCh:    sendCh,
		closer:    closer,
	}
}

func (c *MemoryConnection) String() string {
	return fmt.Sprintf("memory:%s->%s", c.localID.Short(), c.remoteID.Short())
}

// RemoteAddr implements Connection.
func (c *MemoryConnection) RemoteAddr() string { return string(c.remoteID) }

// Handshake implements Connection.
func (c *MemoryConnection) Handshake(ctx context.Context, info NodeInfo, privKey ed25519.PrivateKey) (NodeInfo, error) {
	return handshake(ctx, c, info, privKey)
}

// ReceiveMessage implements Connection.
func (c *MemoryConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	// Check close first, since channels are buffered. Otherwise, below select
	// may non-deterministically return non-error even when closed.
	select {
	case <-c.closer.ch:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, io.EOF
	default:
	}

	select {
	case frame := <-c.receiveCh:
		return frame, nil
	case <-c.closer.ch:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, io.EOF
	}
}

// SendMessage implements Connection.
func (c *MemoryConnection) SendMessage(ctx context.Context, frame []byte) error {
	select {
	case <-c.closer.ch:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.closer.ch:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Connection.
func (c *MemoryConnection) Close() error {
	c.closer.close()
	return nil
}
