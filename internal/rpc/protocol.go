// Package rpc implements the JSON-RPC 2.0 dispatcher that binds the
// workflow engine to its transports. The dispatcher owns method routing,
// input validation, and error projection; transports own framing.
package rpc

import (
	"encoding/json"

	"github.com/untoldecay/ChangeFlow/internal/types"
)

// JSONRPCVersion is the protocol envelope version on every message.
const JSONRPCVersion = "2.0"

// ProtocolVersion is negotiated at initialize. Clients within the same
// major version are accepted.
const ProtocolVersion = "1.0"

// Method names handled by the dispatcher.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. Data carries the machine-readable
// taxonomy payload.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData is attached to protocol errors so clients can branch on the
// stable taxonomy code rather than the message text.
type ErrorData struct {
	Code       types.Code     `json:"code"`
	Hint       string         `json:"hint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises the method families the server implements.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
	APIVersion      string       `json:"apiVersion"`
}

// ToolsListResult is the tools/list response payload.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams is the tools/call request payload.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResourcesListResult is the resources/list response payload.
type ResourcesListResult struct {
	Resources []ResourceInfo `json:"resources"`
}

// ResourcesReadParams is the resources/read request payload.
type ResourcesReadParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one entry of a resources/read result. Text carries
// UTF-8 payloads; Blob carries base64 for binary MIME types.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourcesReadResult is the resources/read response payload.
type ResourcesReadResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ToolResult is the envelope wrapping every tools/call outcome. Lifecycle
// failures (ENOCHANGE, ELOCKED, ...) are delivered inside it with IsError
// set; only validation and plumbing failures become protocol errors.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output. Only "text" is produced today.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// textResult marshals v as indented JSON into a single text content block.
func textResult(v any) (*ToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, types.NewError(types.CodeIO, "encoding tool result: %v", err)
	}
	return &ToolResult{Content: []ContentBlock{{Type: "text", Text: string(payload)}}}, nil
}

// errorToolResult wraps a lifecycle failure in the tool-result envelope.
func errorToolResult(we *types.WorkflowError) *ToolResult {
	payload, err := json.MarshalIndent(struct {
		Error *types.WorkflowError `json:"error"`
	}{we}, "", "  ")
	if err != nil {
		payload = []byte(`{"error":{"code":"` + string(we.Code) + `"}}`)
	}
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

// result builds a success response for id.
func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: v}
}

// rpcError builds a protocol error response with an explicit code.
func rpcError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// projectError converts err into a protocol error response, carrying the
// taxonomy code and structured context in the error data.
func projectError(id json.RawMessage, err error) *Response {
	we := types.Wrap(err, types.CodeIO)
	return rpcError(id, we.Code.JSONRPCCode(), we.Message, ErrorData{
		Code:       we.Code,
		Hint:       we.Hint,
		Details:    we.Details,
		RetryAfter: we.RetryAfter,
	})
}
