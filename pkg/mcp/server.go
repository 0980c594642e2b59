package mcp

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
)

type identityKey struct{}

// WithIdentity attaches the authenticated caller identity to the
// context. Authentication itself happens outside the core; the router
// only carries the result through to tool dispatch.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the caller identity, or "anonymous" when the
// transport attached none.
func IdentityFrom(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// Handler is the application surface behind the protocol router.
// The tool registry implements it.
type Handler interface {
	ListTools(ctx context.Context) []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error)
	ListResources(ctx context.Context) []ResourceDefinition
	ReadResource(ctx context.Context, uri string) (*ResourcesReadResult, error)
	SubscribeResource(ctx context.Context, uri string) error
	ListPrompts(ctx context.Context) []PromptDefinition
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptsGetResult, error)
}

// Server routes JSON-RPC messages to a Handler
type Server struct {
	info    ServerInfo
	handler Handler
	logger  zerolog.Logger
}

// NewServer creates the protocol router
func NewServer(info ServerInfo, handler Handler) *Server {
	return &Server{
		info:    info,
		handler: handler,
		logger:  log.WithComponent("mcp"),
	}
}

// Handle processes one raw JSON-RPC message and returns the serialized
// response, or nil for notifications.
func (s *Server) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		metrics.MCPRequestsTotal.WithLabelValues("unknown", "parse_error").Inc()
		return marshalResponse(&Response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
		})
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		metrics.MCPRequestsTotal.WithLabelValues(req.Method, "invalid_request").Inc()
		return marshalResponse(&Response{
			JSONRPC: "2.0",
			ID:      requestID(&req),
			Error:   &RPCError{Code: CodeInvalidRequest, Message: "invalid request"},
		})
	}

	result, err := s.dispatch(ctx, &req)

	if req.IsNotification() {
		if err != nil {
			s.logger.Warn().Str("method", req.Method).Err(err).Msg("notification failed")
		}
		return nil
	}

	resp := &Response{JSONRPC: "2.0", ID: requestID(&req)}
	if err != nil {
		metrics.MCPRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		resp.Error = toRPCError(err)
		s.logger.Warn().
			Str("method", req.Method).
			Str("code", string(errdefs.CodeOf(err))).
			Msg("request failed")
	} else {
		metrics.MCPRequestsTotal.WithLabelValues(req.Method, "success").Inc()
		resp.Result = result
	}
	return marshalResponse(resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, error) {
	switch req.Method {
	case "initialize":
		return s.initialize(), nil

	case "notifications/initialized", "initialized":
		return nil, nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		return &ToolsListResult{Tools: s.handler.ListTools(ctx)}, nil

	case "tools/call":
		var params CallToolParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "tool name is required")
		}
		return s.handler.CallTool(ctx, params.Name, params.Arguments)

	case "resources/list":
		return &ResourcesListResult{Resources: s.handler.ListResources(ctx)}, nil

	case "resources/read":
		var params ResourcesReadParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "resource uri is required")
		}
		return s.handler.ReadResource(ctx, params.URI)

	case "resources/subscribe":
		var params SubscribeParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "resource uri is required")
		}
		if err := s.handler.SubscribeResource(ctx, params.URI); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case "prompts/list":
		return &PromptsListResult{Prompts: s.handler.ListPrompts(ctx)}, nil

	case "prompts/get":
		var params PromptsGetParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.handler.GetPrompt(ctx, params.Name, params.Arguments)

	default:
		return nil, errdefs.New(errdefs.CodeMethodNotFound, "method %q not found", req.Method)
	}
}

func (s *Server) initialize() *InitializeResult {
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{Subscribe: true},
			Prompts:   &PromptsCapability{},
		},
		ServerInfo: s.info,
	}
}

func unmarshalParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return errdefs.New(errdefs.CodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errdefs.Wrap(errdefs.CodeInvalidParams, err, "malformed params")
	}
	return nil
}

func requestID(req *Request) json.RawMessage {
	if len(req.ID) == 0 {
		return json.RawMessage("null")
	}
	return req.ID
}

func marshalResponse(resp *Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		// Only reachable if a handler returns an unmarshalable result
		fallback := &Response{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &RPCError{Code: CodeInternalError, Message: "response serialization failed"},
		}
		out, _ = json.Marshal(fallback)
	}
	return out
}
