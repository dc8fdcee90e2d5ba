package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/copyleftdev/gpr/internal/errors"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type modelRef struct {
	ModelID string `json:"model_id"`
	Trace   bool   `json:"trace,omitempty"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests. Methods:
//
//	model.fit      fitRequest              → model view (fit runs in background)
//	model.status   {model_id, trace}       → model view
//	model.predict  predictRequest          → mean, variance[, covariance]
//	model.params   {model_id[, params]}    → model view; sets params when given
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)).Decode(&req); err != nil {
		s.respondRPC(w, req, nil, &rpcError{Code: rpcParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respondRPC(w, req, nil, &rpcError{Code: rpcInvalidRequest, Message: "Invalid Request"})
		return
	}

	var (
		result interface{}
		err    error
	)
	switch req.Method {
	case "model.fit":
		var p fitRequest
		if err = unmarshalParams(req.Params, &p); err == nil {
			result, err = s.startFit(p)
		}
	case "model.status":
		var p modelRef
		if err = unmarshalParams(req.Params, &p); err == nil {
			result, err = s.status(p.ModelID, p.Trace)
		}
	case "model.predict":
		var p predictRequest
		if err = unmarshalParams(req.Params, &p); err == nil {
			result, err = s.predict(p.ModelID, p)
		}
	case "model.params":
		var p paramsRequest
		if err = unmarshalParams(req.Params, &p); err == nil {
			if p.Params == nil {
				result, err = s.status(p.ModelID, false)
			} else {
				result, err = s.setParams(p.ModelID, p.Params)
			}
		}
	default:
		s.respondRPC(w, req, nil, &rpcError{Code: rpcMethodNotFound, Message: "Method not found"})
		return
	}

	if err != nil {
		s.respondRPC(w, req, nil, toRPCError(err))
		return
	}
	s.respondRPC(w, req, result, nil)
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperrors.New("missing params").WithStatus(http.StatusBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, "invalid params").WithStatus(http.StatusBadRequest)
	}
	return nil
}

func toRPCError(err error) *rpcError {
	code := rpcServerError
	if apperrors.HTTPStatus(err) == http.StatusBadRequest {
		code = rpcInvalidParams
	}
	msg := err.Error()
	if apperrors.HTTPStatus(err) >= http.StatusInternalServerError {
		msg = "Server error"
	}
	return &rpcError{
		Code:    code,
		Message: msg,
		Data:    map[string]string{"code": apperrors.Code(err)},
	}
}

// respondRPC sends a JSON-RPC 2.0 response. JSON-RPC errors travel in the
// body with status 200.
func (s *Server) respondRPC(w http.ResponseWriter, req rpcRequest, result interface{}, rerr *rpcError) {
	code := 0
	if rerr != nil {
		code = rerr.Code
		s.logger.Debug("JSON-RPC error", map[string]interface{}{
			"method":  req.Method,
			"code":    rerr.Code,
			"message": rerr.Message,
		})
	}
	method := req.Method
	if rerr != nil && (rerr.Code == rpcMethodNotFound || rerr.Code == rpcParseError || rerr.Code == rpcInvalidRequest) {
		method = "invalid"
	}
	rpcRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()

	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	respond(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rerr})
}
