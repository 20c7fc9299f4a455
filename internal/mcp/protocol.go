// Package mcp exposes the platform over the Model Context Protocol: a
// JSON-RPC 2.0 POST endpoint that lets AI assistants discover tools, invoke
// generations, browse LoRA resources and drive spells, collections and
// trainings. Every method maps onto the same services the REST gateway
// uses; only the envelope differs.
//
// The protocol follows the MCP specification (revision 2025-03-26).
// Transport is a single HTTP POST per request; authentication rides the
// X-API-Key middleware the route is mounted behind.
package mcp

import "encoding/json"

// --- JSON-RPC 2.0 envelope ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID and get no response body.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object. Data carries the stable domain
// error kind so clients can branch without parsing messages.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorData is the Data payload for domain failures.
type errorData struct {
	Kind string `json:"kind"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// --- MCP handshake ---

// protocolVersion is the MCP protocol revision this server implements.
const protocolVersion = "2025-03-26"

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     *capability `json:"tools,omitempty"`
	Resources *capability `json:"resources,omitempty"`
	Prompts   *capability `json:"prompts,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- Tools ---

// toolDefinition describes one registry tool in tools/list responses. The
// input schema is plain JSON Schema derived from the tool's declared params.
type toolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDefinition `json:"tools"`
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) toolCallResult {
	return toolCallResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) toolCallResult {
	return toolCallResult{
		Content: []contentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

// --- Resources ---

type resourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []resourceDef `json:"resources"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type resourceReadResult struct {
	Contents []resourceContent `json:"contents"`
}

// --- Prompts ---

// promptDef describes a castable spell in prompts/list responses: the
// spell's exposed inputs become the prompt arguments.
type promptDef struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []promptArgument `json:"arguments,omitempty"`
}

type promptArgument struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

type promptsListResult struct {
	Prompts []promptDef `json:"prompts"`
}

type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type promptMessage struct {
	Role    string       `json:"role"`
	Content contentBlock `json:"content"`
}

type promptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []promptMessage `json:"messages"`
}
