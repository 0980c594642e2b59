// Package mcp implements the JSON-RPC 2.0 surface of the Model Context
// Protocol: message types, the request router, and a byte-delimited
// message loop. Transport framing (stdio, HTTP) stays outside; the
// package consumes raw JSON messages and emits the same.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP revision this server speaks
const ProtocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request or notification. Notifications
// carry no id and receive no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a server-initiated message with no id
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ServerInfo identifies the server in the initialize handshake
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises which protocol features the server supports
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability marks tool support
type ToolsCapability struct{}

// ResourcesCapability marks resource support
type ResourcesCapability struct {
	Subscribe bool `json:"subscribe,omitempty"`
}

// PromptsCapability marks prompt support
type PromptsCapability struct{}

// InitializeResult is the response to the initialize method
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ToolDefinition describes one callable tool
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the response to tools/list
type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// CallToolParams carries the tool name and its arguments
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Content is one block of a tool result: a short human-readable
// rendering of the outcome
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content block
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallToolResult is the tool call envelope. Meta carries the structured
// semantic result alongside correlation and resource hints; Content is
// the human summary.
type CallToolResult struct {
	Content []Content              `json:"content"`
	Meta    map[string]interface{} `json:"_meta,omitempty"`
	IsError bool                   `json:"isError,omitempty"`
}

// ResourceDefinition describes one addressable read-only resource
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the response to resources/list
type ResourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

// ResourcesReadParams names the resource to read
type ResourcesReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent is one payload of a resource read
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ResourcesReadResult is the response to resources/read
type ResourcesReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// SubscribeParams names the resource to watch
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of a
// notifications/resources/updated message
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// PromptArgument describes one parameter of a prompt template
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDefinition describes one templated workflow
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptsListResult is the response to prompts/list
type PromptsListResult struct {
	Prompts []PromptDefinition `json:"prompts"`
}

// PromptsGetParams names the prompt and binds its arguments
type PromptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one message of an expanded prompt
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// PromptsGetResult is the response to prompts/get
type PromptsGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
