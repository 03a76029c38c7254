package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

const (
	// minRedialPeriod is the first delay before redialing a persistent peer.
	minRedialPeriod = 250 * time.Millisecond

	// disconnectNoticeTimeout bounds the best-effort Disconnect notice.
	disconnectNoticeTimeout = time.Second
)

// RouterOptions specifies options for a Router.
type RouterOptions struct {
	// HandshakeTimeout is the timeout for handshaking with a peer. 0 means
	// no timeout.
	HandshakeTimeout time.Duration

	// MaxRedialPeriod caps the backoff between redials of a persistent
	// peer.
	MaxRedialPeriod time.Duration

	// SendQueueSize is the number of outbound messages buffered per peer.
	SendQueueSize int

	// ProtocolPenalty is the score penalty for a malformed or unexpected
	// message.
	ProtocolPenalty int

	// PersistentPeers are dialed on start and redialed when they drop.
	PersistentPeers []NodeAddress
}

// Validate validates router options.
func (o *RouterOptions) Validate() error {
	switch {
	case o.HandshakeTimeout < 0:
		return errors.New("handshake timeout can't be negative")
	case o.MaxRedialPeriod < 0:
		return errors.New("max redial period can't be negative")
	case o.SendQueueSize <= 0:
		return errors.New("send queue size must be positive")
	case o.ProtocolPenalty < 0:
		return errors.New("protocol penalty can't be negative")
	}
	for _, addr := range o.PersistentPeers {
		if err := addr.Validate(); err != nil {
			return fmt.Errorf("invalid persistent peer %v: %w", addr, err)
		}
	}
	return nil
}

// Router manages peer connections and routes messages between peers and
// the reactors. It accepts inbound connections, dials persistent peers,
// handshakes, registers sessions in the PeerTable, and runs a reader and a
// writer goroutine per peer.
//
// Inbound messages from all peers are delivered, in per-peer order, on the
// channel returned by Inbound. Outbound messages are queued per peer with
// Send.
//
// The router does not interpret sync messages. It enforces that messages
// are only exchanged for capabilities the session negotiated.
type Router struct {
	service.BaseService
	logger log.Logger

	metrics   *Metrics
	options   RouterOptions
	nodeKey   types.NodeKey
	nodeInfo  func() NodeInfo
	transport Transport
	peers     *PeerTable
	clock     clock.Clock

	inCh chan Envelope

	mtx        sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	peerQueues map[types.NodeID]*peerQueue
}

// NewRouter creates a new Router. nodeInfo is called on every handshake, so
// it may report a changing head.
func NewRouter(
	logger log.Logger,
	metrics *Metrics,
	nodeKey types.NodeKey,
	nodeInfo func() NodeInfo,
	peers *PeerTable,
	transport Transport,
	clk clock.Clock,
	options RouterOptions,
) (*Router, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		logger:     logger,
		metrics:    metrics,
		options:    options,
		nodeKey:    nodeKey,
		nodeInfo:   nodeInfo,
		transport:  transport,
		peers:      peers,
		clock:      clk,
		inCh:       make(chan Envelope, options.SendQueueSize),
		peerQueues: make(map[types.NodeID]*peerQueue),
	}
	r.BaseService = *service.NewBaseService(logger, "router", r)
	return r, nil
}

// Inbound returns the channel on which received messages are delivered.
func (r *Router) Inbound() <-chan Envelope { return r.inCh }

// Send queues a message for a peer, or for every connected peer whose
// session negotiated the message's capability if the envelope is a
// broadcast. Unicast sends block while the peer's queue is full;
// broadcasts drop the message for peers whose queue is full.
func (r *Router) Send(ctx context.Context, envelope Envelope) error {
	if envelope.Message == nil {
		return errors.New("nil message")
	}
	capability := envelope.Message.Kind().Capability()

	if envelope.Broadcast {
		r.mtx.RLock()
		queues := make([]*peerQueue, 0, len(r.peerQueues))
		for _, q := range r.peerQueues {
			queues = append(queues, q)
		}
		r.mtx.RUnlock()

		for _, q := range queues {
			if !q.session.Accepts(capability) {
				continue
			}
			e := envelope
			e.To = q.session.ID()
			if !q.trySend(e) {
				r.metrics.DroppedMessages.With("message_type", envelope.Message.Kind().String()).Add(1)
			}
		}
		return nil
	}

	r.mtx.RLock()
	q, ok := r.peerQueues[envelope.To]
	r.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrPeerNotFound, envelope.To)
	}
	if !q.session.Accepts(capability) {
		return fmt.Errorf("peer %v can't exchange %v in state %v", envelope.To, envelope.Message.Kind(), q.session.State())
	}
	return q.send(ctx, envelope)
}

// Connect dials a peer and, once the handshake succeeds, routes it in the
// background.
func (r *Router) Connect(ctx context.Context, address NodeAddress) error {
	conn, session, err := r.dialPeer(ctx, address)
	if err != nil {
		return err
	}
	go r.routePeer(r.runCtx(ctx), session, conn)
	return nil
}

// runCtx returns a context that lives as long as the router.
func (r *Router) runCtx(fallback context.Context) context.Context {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if r.ctx != nil {
		return r.ctx
	}
	return fallback
}

// acceptPeers accepts inbound connections from peers on the transport.
func (r *Router) acceptPeers(ctx context.Context) {
	for {
		conn, err := r.transport.Accept(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.logger.Debug("stopping accept routine", "transport", r.transport, "err", "context canceled")
			return
		case errors.Is(err, io.EOF):
			r.logger.Debug("stopping accept routine", "transport", r.transport, "err", "EOF")
			return
		case err != nil:
			r.logger.Error("failed to accept connection", "transport", r.transport, "err", err)
			continue
		}

		// Spawn a goroutine for the handshake, to avoid head-of-line blocking.
		go r.openConnection(ctx, conn)
	}
}

func (r *Router) openConnection(ctx context.Context, conn Connection) {
	session, err := r.handshakePeer(ctx, conn, "", false)
	switch {
	case errors.Is(err, context.Canceled):
		_ = conn.Close()
		return
	case err != nil:
		r.logger.Error("peer handshake failed", "endpoint", conn, "err", err)
		_ = conn.Close()
		return
	}
	r.routePeer(ctx, session, conn)
}

// dialPersistentPeer keeps a connection to a persistent peer, redialing
// with exponential backoff.
func (r *Router) dialPersistentPeer(ctx context.Context, address NodeAddress) {
	backoff := minRedialPeriod
	for {
		wait := minRedialPeriod
		if _, connected := r.peers.Peer(address.NodeID); !connected && !r.peers.IsBanned(address.NodeID) {
			conn, session, err := r.dialPeer(ctx, address)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				r.logger.Debug("failed to dial persistent peer", "peer", address, "err", err, "retry", backoff)
				wait = backoff
				backoff *= 2
				if r.options.MaxRedialPeriod > 0 && backoff > r.options.MaxRedialPeriod {
					backoff = r.options.MaxRedialPeriod
				}
			default:
				backoff = minRedialPeriod
				r.routePeer(ctx, session, conn)
			}
		}

		timer := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dialPeer connects to a peer and handshakes with it.
func (r *Router) dialPeer(ctx context.Context, address NodeAddress) (Connection, *Session, error) {
	if address.NodeID == r.nodeKey.ID {
		return nil, nil, errors.New("can't dial self")
	}
	if r.peers.IsBanned(address.NodeID) {
		return nil, nil, fmt.Errorf("%w: %v", ErrBanned, address.NodeID)
	}
	conn, err := r.transport.Dial(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %v: %w", address, err)
	}
	r.logger.Debug("dialed peer", "peer", address.NodeID, "endpoint", conn)

	session, err := r.handshakePeer(ctx, conn, address.NodeID, true)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, session, nil
}

// handshakePeer handshakes with a peer and registers the resulting session.
// If expectID is given, the peer must prove that identity.
func (r *Router) handshakePeer(
	ctx context.Context,
	conn Connection,
	expectID types.NodeID,
	outbound bool,
) (*Session, error) {
	deadline := time.Time{}
	if r.options.HandshakeTimeout > 0 {
		deadline = r.clock.Now().Add(r.options.HandshakeTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.HandshakeTimeout)
		defer cancel()
	}

	local := r.nodeInfo()
	peerInfo, err := conn.Handshake(ctx, local, r.nodeKey.PrivKey)
	if err != nil {
		r.metrics.HandshakeFailures.Add(1)
		return nil, err
	}

	id := expectID
	if id == "" {
		id = peerInfo.NodeID
	}
	if id == r.nodeKey.ID {
		r.metrics.HandshakeFailures.Add(1)
		return nil, ErrRejected{id: id, reason: errors.New("connected to self")}
	}

	session := NewSession(id, outbound, deadline)
	if err := session.BeginHandshake(); err != nil {
		return nil, err
	}
	if err := session.CompleteHandshake(local, peerInfo, r.clock.Now()); err != nil {
		r.metrics.HandshakeFailures.Add(1)
		return nil, err
	}
	return session, nil
}

// routePeer routes inbound and outbound messages between a peer and the
// reactors. It registers the session and tears it down when either
// direction fails or the session is disconnected elsewhere.
func (r *Router) routePeer(ctx context.Context, session *Session, conn Connection) {
	peerID := session.ID()
	queue := newPeerQueue(session, r.options.SendQueueSize)

	r.mtx.Lock()
	if _, ok := r.peerQueues[peerID]; ok {
		r.mtx.Unlock()
		r.logger.Debug("dropping duplicate connection", "peer", peerID, "endpoint", conn)
		session.Disconnect(ErrDuplicateIdentity)
		_ = conn.Close()
		return
	}
	r.peerQueues[peerID] = queue
	r.mtx.Unlock()

	defer func() {
		r.mtx.Lock()
		if r.peerQueues[peerID] == queue {
			delete(r.peerQueues, peerID)
		}
		r.mtx.Unlock()
	}()

	if err := r.peers.Register(session); err != nil {
		r.logger.Info("peer refused", "peer", peerID, "err", err)
		session.Disconnect(err)
		r.sendDisconnect(conn, err)
		_ = conn.Close()
		return
	}

	r.logger.Info("peer connected", "peer", peerID, "endpoint", conn, "outbound", session.Outbound())

	errCh := make(chan error, 2)
	go func() {
		errCh <- r.receivePeer(ctx, session, conn)
	}()
	go func() {
		errCh <- r.sendPeer(ctx, session, conn, queue)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-session.Done():
		err = session.Reason()
		// Let the writer flush the Disconnect notice before closing.
		select {
		case <-errCh:
		case <-r.clock.After(disconnectNoticeTimeout):
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	_ = conn.Close()
	r.peers.Unregister(session, err)

	switch err {
	case nil, io.EOF:
		r.logger.Info("peer disconnected", "peer", peerID, "endpoint", conn)
	default:
		r.logger.Info("peer disconnected", "peer", peerID, "endpoint", conn, "err", err)
	}
}

// receivePeer receives inbound messages from a peer, decodes them and
// passes them on to the inbound channel.
func (r *Router) receivePeer(ctx context.Context, session *Session, conn Connection) error {
	peerID := session.ID()
	for {
		bz, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		msg, err := DecodeMessage(bz)
		if err != nil {
			r.logger.Debug("message decoding failed, dropping message", "peer", peerID, "err", err)
			r.peers.Penalize(peerID, r.options.ProtocolPenalty, err)
			continue
		}
		r.metrics.PeerReceiveBytesTotal.With(
			"peer_id", string(peerID),
			"message_type", msg.Kind().String()).Add(float64(len(bz)))

		switch m := msg.(type) {
		case *Disconnect:
			return fmt.Errorf("peer disconnected: %s", m.Reason)
		case *handshakeMessage, *authMessage:
			err := ProtocolError("%v after handshake", msg.Kind())
			r.peers.Penalize(peerID, r.options.ProtocolPenalty, err)
			continue
		}
		if !session.Accepts(msg.Kind().Capability()) {
			err := ProtocolError("%v without negotiated capability %q", msg.Kind(), msg.Kind().Capability())
			r.logger.Debug("dropping message", "peer", peerID, "err", err)
			r.peers.Penalize(peerID, r.options.ProtocolPenalty, err)
			continue
		}

		select {
		case r.inCh <- Envelope{From: peerID, Message: msg}:
			r.logger.Debug("received message", "peer", peerID, "message", msg.Kind())
		case <-session.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// sendPeer sends queued messages to a peer. When the session is
// disconnected it sends a best-effort Disconnect notice and returns.
func (r *Router) sendPeer(ctx context.Context, session *Session, conn Connection, queue *peerQueue) error {
	peerID := session.ID()
	for {
		select {
		case envelope := <-queue.ch:
			bz, err := EncodeMessage(envelope.Message)
			if err != nil {
				r.logger.Error("failed to marshal message", "peer", peerID, "err", err)
				continue
			}
			if err = conn.SendMessage(ctx, bz); err != nil {
				return err
			}
			r.metrics.PeerSendBytesTotal.With(
				"peer_id", string(peerID),
				"message_type", envelope.Message.Kind().String()).Add(float64(len(bz)))
			r.logger.Debug("sent message", "peer", peerID, "message", envelope.Message.Kind())

		case <-session.Done():
			r.sendDisconnect(conn, session.Reason())
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Router) sendDisconnect(conn Connection, reason error) {
	msg := &Disconnect{Reason: "disconnected"}
	if reason != nil {
		msg.Reason = reason.Error()
	}
	bz, err := EncodeMessage(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectNoticeTimeout)
	defer cancel()
	_ = conn.SendMessage(ctx, bz)
}

// OnStart implements service.Service.
func (r *Router) OnStart(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mtx.Lock()
	r.ctx, r.cancel = ctx, cancel
	r.mtx.Unlock()

	go r.acceptPeers(ctx)
	for _, address := range r.options.PersistentPeers {
		go r.dialPersistentPeer(ctx, address)
	}
	return nil
}

// OnStop implements service.Service.
func (r *Router) OnStop() {
	r.mtx.RLock()
	cancel := r.cancel
	r.mtx.RUnlock()
	cancel()

	// Close transport listeners (unblocks Accept calls).
	if err := r.transport.Close(); err != nil {
		r.logger.Error("failed to close transport", "err", err)
	}

	r.mtx.RLock()
	sessions := make([]*Session, 0, len(r.peerQueues))
	for _, q := range r.peerQueues {
		sessions = append(sessions, q.session)
	}
	r.mtx.RUnlock()

	for _, s := range sessions {
		r.peers.Unregister(s, errors.New("router stopped"))
	}
}

// peerQueue is the outbound queue of one peer.
type peerQueue struct {
	session *Session
	ch      chan Envelope
}

func newPeerQueue(session *Session, size int) *peerQueue {
	return &peerQueue{session: session, ch: make(chan Envelope, size)}
}

func (q *peerQueue) send(ctx context.Context, envelope Envelope) error {
	select {
	case q.ch <- envelope:
		return nil
	case <-q.session.Done():
		return fmt.Errorf("%w: %v", ErrPeerNotFound, q.session.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *peerQueue) trySend(envelope Envelope) bool {
	select {
	case q.ch <- envelope:
		return true
	default:
		return false
	}
}
