package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"golang.org/x/net/netutil"

	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/libs/log"
)

// TCPTransportOptions sets options for TCPTransport.
type TCPTransportOptions struct {
	// MaxAcceptedConnections is the maximum number of simultaneous
	// accepted connections. Zero means unlimited.
	MaxAcceptedConnections uint32

	// MaxMessageSize bounds a single received frame.
	MaxMessageSize int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// TCPTransport is a Transport over plain TCP. Frames are msgpack byte
// strings written through a buffered writer.
type TCPTransport struct {
	logger   log.Logger
	options  TCPTransportOptions
	listener net.Listener

	closeOnce sync.Once
	doneCh    chan struct{}
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport sets up a new TCP transport.
func NewTCPTransport(logger log.Logger, options TCPTransportOptions) *TCPTransport {
	return &TCPTransport{
		logger:  logger,
		options: options,
		doneCh:  make(chan struct{}),
	}
}

// Listen asks the transport to listen on addr (host:port).
func (t *TCPTransport) Listen(addr string) error {
	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if t.options.MaxAcceptedConnections > 0 {
		listener = netutil.LimitListener(listener, int(t.options.MaxAcceptedConnections))
	}
	t.listener = listener
	return nil
}

func (t *TCPTransport) String() string { return string(TCPProtocol) }

// Protocol implements Transport.
func (t *TCPTransport) Protocol() Protocol { return TCPProtocol }

// Endpoint implements Transport.
func (t *TCPTransport) Endpoint() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Accept implements Transport.
func (t *TCPTransport) Accept(ctx context.Context) (Connection, error) {
	if t.listener == nil {
		return nil, errors.New("transport is not listening")
	}

	conCh := make(chan net.Conn)
	errCh := make(chan error)
	go func() {
		tcpConn, err := t.listener.Accept()
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case conCh <- tcpConn:
		case <-ctx.Done():
			_ = tcpConn.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, io.EOF
	case <-t.doneCh:
		return nil, io.EOF
	case err := <-errCh:
		select {
		case <-t.doneCh:
			return nil, io.EOF
		default:
		}
		return nil, err
	case tcpConn := <-conCh:
		return newTCPConnection(tcpConn, t.options.MaxMessageSize), nil
	}
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, address NodeAddress) (Connection, error) {
	if address.Protocol != TCPProtocol {
		return nil, fmt.Errorf("can't dial %v with %v transport", address.Protocol, TCPProtocol)
	}
	if err := address.Validate(); err != nil {
		return nil, err
	}
	if t.options.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.options.DialTimeout)
		defer cancel()
	}

	dialer := net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", address.Addr)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}
	return newTCPConnection(tcpConn, t.options.MaxMessageSize), nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.doneCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// tcpConnection is a Connection over a TCP socket.
type tcpConnection struct {
	conn           net.Conn
	w              *bufio.Writer
	enc            *codec.Encoder
	dec            *codec.Decoder
	maxMessageSize int

	closeOnce sync.Once
	doneCh    chan struct{}
}

func newTCPConnection(conn net.Conn, maxMessageSize int) *tcpConnection {
	w := bufio.NewWriter(conn)
	return &tcpConnection{
		conn:           conn,
		w:              w,
		enc:            codec.NewEncoder(w, wire.Handle()),
		dec:            codec.NewDecoder(bufio.NewReader(conn), wire.Handle()),
		maxMessageSize: maxMessageSize,
		doneCh:         make(chan struct{}),
	}
}

// Handshake implements Connection.
func (c *tcpConnection) Handshake(ctx context.Context, info NodeInfo, privKey ed25519.PrivateKey) (NodeInfo, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return NodeInfo{}, err
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	// Unblock reads and writes if the context is canceled mid-handshake.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	remote, err := handshake(ctx, c, info, privKey)
	if err != nil && ctx.Err() != nil {
		return NodeInfo{}, ctx.Err()
	}
	return remote, err
}

// ReceiveMessage implements Connection.
func (c *tcpConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, io.EOF
	case <-c.doneCh:
		return nil, io.EOF
	default:
	}

	var frame []byte
	if err := c.dec.Decode(&frame); err != nil {
		if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	if c.maxMessageSize > 0 && len(frame) > c.maxMessageSize {
		return nil, ProtocolError("message of %d bytes exceeds max %d", len(frame), c.maxMessageSize)
	}
	return frame, nil
}

// SendMessage implements Connection.
func (c *tcpConnection) SendMessage(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return io.EOF
	default:
	}
	if c.maxMessageSize > 0 && len(frame) > c.maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds max %d", len(frame), c.maxMessageSize)
	}
	if err := c.enc.Encode(frame); err != nil {
		return err
	}
	return c.w.Flush()
}

// RemoteAddr implements Connection.
func (c *tcpConnection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConnection) String() string {
	return fmt.Sprintf("tcp://%s->%s", c.conn.LocalAddr(), c.conn.RemoteAddr())
}

// Close implements Connection.
func (c *tcpConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.doneCh)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConnection) isClosed() bool {
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}
