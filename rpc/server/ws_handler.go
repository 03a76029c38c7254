package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tendermint/chainsync/libs/log"
)

const (
	defaultWSWriteChanCapacity = 100
	defaultWSWriteWait         = 10 * time.Second
	defaultWSReadWait          = 30 * time.Second
	defaultWSPingPeriod        = (defaultWSReadWait * 9) / 10
)

// WebsocketManager provides a WS handler for incoming connections and passes
// a map of functions along with any additional params to new connections.
type WebsocketManager struct {
	websocket.Upgrader

	funcMap      map[string]*RPCFunc
	logger       log.Logger
	readLimit    int64
	onDisconnect func(remoteAddr string)
}

// WebsocketManagerOption sets an optional parameter on the WebsocketManager.
type WebsocketManagerOption func(*WebsocketManager)

// OnDisconnect sets a callback, which is used upon disconnect - not
// Goroutine-safe.
func OnDisconnect(fn func(remoteAddr string)) WebsocketManagerOption {
	return func(wm *WebsocketManager) { wm.onDisconnect = fn }
}

// ReadLimit sets the maximum size for reading message.
func ReadLimit(readLimit int64) WebsocketManagerOption {
	return func(wm *WebsocketManager) { wm.readLimit = readLimit }
}

// NewWebsocketManager returns a new WebsocketManager that passes a map of
// functions, connection options and logger to new WS connections.
func NewWebsocketManager(logger log.Logger, funcMap map[string]*RPCFunc, options ...WebsocketManagerOption) *WebsocketManager {
	wm := &WebsocketManager{
		funcMap: funcMap,
		logger:  logger,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// CORS is checked by the middleware in front of the mux.
				return true
			},
		},
	}
	for _, option := range options {
		option(wm)
	}
	return wm
}

// WebsocketHandler upgrades the request/response (via http.Hijack) and starts
// the wsConnection.
func (wm *WebsocketManager) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	wsConn, err := wm.Upgrade(w, r, nil)
	if err != nil {
		wm.logger.Error("failed to upgrade connection", "err", err)
		return
	}
	defer func() {
		if err := wsConn.Close(); err != nil {
			wm.logger.Error("failed to close connection", "err", err)
		}
	}()
	if wm.readLimit > 0 {
		wsConn.SetReadLimit(wm.readLimit)
	}

	ctx, cancel := context.WithCancel(r.Context())
	con := &wsConnection{
		remoteAddr: wsConn.RemoteAddr().String(),
		conn:       wsConn,
		request:    r,
		funcMap:    wm.funcMap,
		logger:     wm.logger.With("remote", wsConn.RemoteAddr()),
		writeChan:  make(chan []byte, defaultWSWriteChanCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
	con.logger.Info("new websocket connection")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		con.writeRoutine()
	}()
	con.readRoutine()

	cancel()
	wg.Wait()
	con.closed()
	if wm.onDisconnect != nil {
		wm.onDisconnect(con.remoteAddr)
	}
	con.logger.Info("disconnected websocket connection")
}

// wsConnection is a websocket connection to one client. The read routine
// runs the methods; everything is written by the write routine.
type wsConnection struct {
	remoteAddr string
	conn       *websocket.Conn
	request    *http.Request
	funcMap    map[string]*RPCFunc
	logger     log.Logger
	writeChan  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mtx      sync.Mutex
	onClose  []func()
	isClosed bool
}

var _ WSConn = (*wsConnection)(nil)

// Context implements WSConn.
func (wsc *wsConnection) Context() context.Context { return wsc.ctx }

// OnClose implements WSConn.
func (wsc *wsConnection) OnClose(fn func()) {
	wsc.mtx.Lock()
	if !wsc.isClosed {
		wsc.onClose = append(wsc.onClose, fn)
		wsc.mtx.Unlock()
		return
	}
	wsc.mtx.Unlock()
	fn()
}

func (wsc *wsConnection) closed() {
	wsc.mtx.Lock()
	fns := wsc.onClose
	wsc.onClose = nil
	wsc.isClosed = true
	wsc.mtx.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Notify implements WSConn. It blocks until the message is queued for
// writing, ctx ends or the connection closes.
func (wsc *wsConnection) Notify(ctx context.Context, method string, params interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	msg, err := json.Marshal(RPCNotification{JSONRPC: "2.0", Method: method, Params: data})
	if err != nil {
		return err
	}
	return wsc.write(ctx, msg)
}

func (wsc *wsConnection) writeResponse(rsp RPCResponse) error {
	msg, err := json.Marshal(rsp)
	if err != nil {
		return err
	}
	return wsc.write(wsc.ctx, msg)
}

func (wsc *wsConnection) write(ctx context.Context, msg []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wsc.ctx.Done():
		return errors.New("connection closed")
	case wsc.writeChan <- msg:
		return nil
	}
}

// Read from the socket and subscribe to or unsubscribe from events
func (wsc *wsConnection) readRoutine() {
	wsc.conn.SetPongHandler(func(string) error {
		return wsc.conn.SetReadDeadline(time.Now().Add(defaultWSReadWait))
	})

	for {
		if err := wsc.conn.SetReadDeadline(time.Now().Add(defaultWSReadWait)); err != nil {
			wsc.logger.Error("failed to set read deadline", "err", err)
			return
		}
		_, in, err := wsc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsc.logger.Debug("failed to read request", "err", err)
			}
			return
		}

		var request RPCRequest
		if err := json.Unmarshal(in, &request); err != nil {
			if err := wsc.writeResponse(RPCRequest{}.MakeErrorf(CodeParseError, "decoding request: %v", err)); err != nil {
				return
			}
			continue
		}
		if request.IsNotification() {
			wsc.logger.Debug("ignoring notification", "req", request.Method)
			continue
		}
		if err := wsc.writeResponse(wsc.call(request)); err != nil {
			return
		}
	}
}

func (wsc *wsConnection) call(request RPCRequest) (rsp RPCResponse) {
	defer func() {
		if e := recover(); e != nil {
			wsc.logger.Error("panic in websocket handler", "err", e, "stack", string(debug.Stack()))
			rsp = request.MakeErrorf(CodeInternalError, "internal server error: %v", e)
		}
	}()

	rpcFunc, ok := wsc.funcMap[request.Method]
	if !ok {
		return request.MakeErrorf(CodeMethodNotFound, request.Method)
	}
	ctx := WithCallInfo(wsc.ctx, &CallInfo{
		RPCRequest:  &request,
		HTTPRequest: wsc.request,
		WSConn:      wsc,
	})
	result, err := rpcFunc.Call(ctx, request.Params)
	if err != nil {
		return request.MakeError(err)
	}
	return request.MakeResponse(result)
}

// receives on a write channel and writes out on the socket
func (wsc *wsConnection) writeRoutine() {
	pingTicker := time.NewTicker(defaultWSPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-pingTicker.C:
			if err := wsc.writeMessage(websocket.PingMessage, []byte{}); err != nil {
				wsc.logger.Error("failed to write ping", "err", err)
				wsc.cancel()
				return
			}
		case msg := <-wsc.writeChan:
			if err := wsc.writeMessage(websocket.TextMessage, msg); err != nil {
				wsc.logger.Error("failed to write response", "err", err)
				wsc.cancel()
				return
			}
		}
	}
}

func (wsc *wsConnection) writeMessage(messageType int, msg []byte) error {
	if err := wsc.conn.SetWriteDeadline(time.Now().Add(defaultWSWriteWait)); err != nil {
		return err
	}
	return wsc.conn.WriteMessage(messageType, msg)
}
