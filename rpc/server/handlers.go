package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/tendermint/chainsync/libs/log"
)

// RPCFunc handles one RPC method. params holds the raw JSON parameters and
// may be empty.
type RPCFunc struct {
	call func(ctx context.Context, params json.RawMessage) (interface{}, error)
	ws   bool
}

// NewRPCFunc wraps fn as a method callable over HTTP and websockets.
func NewRPCFunc(fn func(ctx context.Context, params json.RawMessage) (interface{}, error)) *RPCFunc {
	return &RPCFunc{call: fn}
}

// NewWSRPCFunc wraps fn as a method only callable over websockets.
func NewWSRPCFunc(fn func(ctx context.Context, params json.RawMessage) (interface{}, error)) *RPCFunc {
	return &RPCFunc{call: fn, ws: true}
}

// Call runs the method.
func (f *RPCFunc) Call(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return f.call(ctx, params)
}

// RegisterRPCFuncs adds the JSON-RPC handler for funcMap to mux.
func RegisterRPCFuncs(mux *http.ServeMux, funcMap map[string]*RPCFunc, logger log.Logger) {
	mux.HandleFunc("/", handleInvalidJSONRPCPaths(makeJSONRPCHandler(funcMap, logger)))
}

// jsonrpc calls are dispatched to the named RPCFunc
func makeJSONRPCHandler(funcMap map[string]*RPCFunc, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, hreq *http.Request) {
		b, err := io.ReadAll(hreq.Body)
		if err != nil {
			writeRPCResponse(w, logger, RPCRequest{}.MakeErrorf(
				CodeInvalidRequest, "reading request body: %v", err))
			return
		}

		// an empty request (like from a browser) gets the list of methods
		if len(b) == 0 {
			writeListOfEndpoints(w, funcMap)
			return
		}

		requests, err := parseRequests(b)
		if err != nil {
			writeRPCResponse(w, logger, RPCRequest{}.MakeErrorf(
				CodeParseError, "decoding request: %v", err))
			return
		}

		var responses []RPCResponse
		for _, req := range requests {
			// Ignore notifications, which this service does not support.
			if req.IsNotification() {
				logger.Debug("ignoring notification", "req", req.Method)
				continue
			}

			rpcFunc, ok := funcMap[req.Method]
			if !ok || rpcFunc.ws {
				responses = append(responses, req.MakeErrorf(CodeMethodNotFound, req.Method))
				continue
			}

			req := req
			ctx := WithCallInfo(hreq.Context(), &CallInfo{
				RPCRequest:  &req,
				HTTPRequest: hreq,
			})
			result, err := rpcFunc.Call(ctx, req.Params)
			if err == nil {
				responses = append(responses, req.MakeResponse(result))
			} else {
				responses = append(responses, req.MakeError(err))
			}
		}

		if len(responses) == 0 {
			return
		}
		writeRPCResponse(w, logger, responses...)
	}
}

func handleInvalidJSONRPCPaths(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Since the pattern "/" matches all paths not matched by other registered patterns,
		//  we check whether the path is indeed "/", otherwise return a 404 error
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		next(w, r)
	}
}

// parseRequests parses a JSON-RPC request or request batch from data.
func parseRequests(data []byte) ([]RPCRequest, error) {
	var reqs []RPCRequest
	var err error

	isArray := bytes.HasPrefix(bytes.TrimSpace(data), []byte("["))
	if isArray {
		err = json.Unmarshal(data, &reqs)
	} else {
		reqs = append(reqs, RPCRequest{})
		err = json.Unmarshal(data, &reqs[0])
	}
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// writeRPCResponse writes one response, or a batch if there are several.
func writeRPCResponse(w http.ResponseWriter, logger log.Logger, rsp ...RPCResponse) {
	var body interface{} = rsp
	if len(rsp) == 1 {
		body = rsp[0]
	}
	data, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to encode RPC response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write RPC response", "err", err)
	}
}

// writeListOfEndpoints writes the sorted method names as JSON.
func writeListOfEndpoints(w http.ResponseWriter, funcMap map[string]*RPCFunc) {
	methods := make([]string, 0, len(funcMap))
	for name := range funcMap {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"methods": methods})
}
