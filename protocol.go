package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ===== JSON-RPC envelopes =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg},
	}
}

func rpcOK(id any, result any) jsonrpcResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return rpcError(id, codeInternalError, "encode result: "+err.Error())
	}
	return jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  data,
	}
}

// JSON-RPC error codes. The -32000 block carries the gateway taxonomy.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeHandshake           = -32000
	codeNoHealthyUpstream   = -32001
	codeUpstreamTimeout     = -32002
	codeUpstreamUnavailable = -32003
	codeDuplicateRequest    = -32004
	codeSessionClosed       = -32005
)

// errorResponse converts a gateway error into an in-band JSON-RPC error
// for the originating client.
func errorResponse(id any, err error) jsonrpcResponse {
	var (
		handshakeErr   *HandshakeError
		noUpstreamErr  *NoHealthyUpstreamError
		timeoutErr     *UpstreamTimeoutError
		unavailableErr *UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &handshakeErr):
		return rpcError(id, codeHandshake, handshakeErr.Error())
	case errors.As(err, &noUpstreamErr):
		return rpcError(id, codeNoHealthyUpstream, noUpstreamErr.Error())
	case errors.As(err, &timeoutErr):
		return rpcError(id, codeUpstreamTimeout, timeoutErr.Error())
	case errors.As(err, &unavailableErr):
		return rpcError(id, codeUpstreamUnavailable, unavailableErr.Error())
	case errors.Is(err, errDuplicateCorrelation):
		return rpcError(id, codeDuplicateRequest, err.Error())
	case errors.Is(err, errSessionClosed):
		return rpcError(id, codeSessionClosed, err.Error())
	default:
		return rpcError(id, codeInternalError, err.Error())
	}
}

// correlationKey flattens a JSON-RPC id into the envelope correlation
// identifier. Numeric ids decode as float64, so 1 and 1.0 collapse to the
// same key, matching how the wire value round-trips.
func correlationKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func handleNotification(w http.ResponseWriter, req *jsonrpcRequest) bool {
	if req == nil || req.ID != nil {
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}
