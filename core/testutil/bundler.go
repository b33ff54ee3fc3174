package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RPCError is a JSON-RPC error object as returned by a bundler.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RPCHandler answers one JSON-RPC method. Returning a nil result and nil error answers
// with a JSON null.
type RPCHandler func(params json.RawMessage) (any, *RPCError)

// RPCCall is a request recorded by FakeBundler.
type RPCCall struct {
	Method string
	Params json.RawMessage
}

// FakeBundler is an in-process JSON-RPC server standing in for an ERC-4337 bundler.
type FakeBundler struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]RPCHandler
	calls    []RPCCall
}

func NewFakeBundler() *FakeBundler {
	fb := &FakeBundler{handlers: map[string]RPCHandler{}}
	fb.Server = httptest.NewServer(http.HandlerFunc(fb.serve))
	return fb
}

// Handle registers h for method, replacing any previous handler.
func (fb *FakeBundler) Handle(method string, h RPCHandler) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = h
}

// Calls returns the recorded requests for method, all of them when method is empty.
func (fb *FakeBundler) Calls(method string) []RPCCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var out []RPCCall
	for _, c := range fb.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (fb *FakeBundler) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fb.mu.Lock()
	fb.calls = append(fb.calls, RPCCall{Method: req.Method, Params: req.Params})
	h, ok := fb.handlers[req.Method]
	fb.mu.Unlock()

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &RPCError{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
	} else {
		resp.Result, resp.Error = h(req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
