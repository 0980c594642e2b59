package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
)

type fakeHandler struct {
	callErr    error
	callResult *CallToolResult
	lastTool   string
	lastArgs   map[string]interface{}
	lastURI    string
	identity   string
}

func (h *fakeHandler) ListTools(ctx context.Context) []ToolDefinition {
	return []ToolDefinition{{Name: "device_list", Description: "List devices", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}

func (h *fakeHandler) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error) {
	h.lastTool = name
	h.lastArgs = args
	h.identity = IdentityFrom(ctx)
	if h.callErr != nil {
		return nil, h.callErr
	}
	if h.callResult != nil {
		return h.callResult, nil
	}
	return &CallToolResult{Content: []Content{TextContent("ok")}}, nil
}

func (h *fakeHandler) ListResources(ctx context.Context) []ResourceDefinition {
	return []ResourceDefinition{{URI: "fleet://lab/summary", Name: "Fleet summary", MimeType: "application/json"}}
}

func (h *fakeHandler) ReadResource(ctx context.Context, uri string) (*ResourcesReadResult, error) {
	h.lastURI = uri
	return &ResourcesReadResult{Contents: []ResourceContent{{URI: uri, MimeType: "application/json", Text: "{}"}}}, nil
}

func (h *fakeHandler) SubscribeResource(ctx context.Context, uri string) error {
	h.lastURI = uri
	return nil
}

func (h *fakeHandler) ListPrompts(ctx context.Context) []PromptDefinition {
	return nil
}

func (h *fakeHandler) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptsGetResult, error) {
	return nil, errdefs.New(errdefs.CodeMethodNotFound, "prompt %q not found", name)
}

func newTestServer(h *fakeHandler) *Server {
	return NewServer(ServerInfo{Name: "rosfleet", Version: "test"}, h)
}

func handle(t *testing.T, s *Server, msg string) *Response {
	t.Helper()
	raw := s.Handle(context.Background(), []byte(msg))
	require.NotNil(t, raw)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func TestHandleParseError(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	resp := handle(t, s, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
	assert.Equal(t, "null", string(resp.ID))
}

func TestHandleInvalidRequest(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	resp := handle(t, s, `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandleMethodNotFound(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/destroy"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestInitialize(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Nil(t, resp.Error)

	out, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "rosfleet", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Resources)
	assert.True(t, result.Capabilities.Resources.Subscribe)
}

func TestToolsCall(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(h)

	ctx := WithIdentity(context.Background(), "alice")
	raw := s.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"device_list","arguments":{"environment":"lab"}}}`))
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Nil(t, resp.Error)

	assert.Equal(t, "device_list", h.lastTool)
	assert.Equal(t, "lab", h.lastArgs["environment"])
	assert.Equal(t, "alice", h.identity)
	assert.Equal(t, "7", string(resp.ID))
}

func TestToolsCallMissingName(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestToolsCallDomainErrorMapping(t *testing.T) {
	h := &fakeHandler{
		callErr: errdefs.New(errdefs.CodeDeviceNotFound, "device d9 not found"),
	}
	s := newTestServer(h)
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"device_health","arguments":{"device_id":"d9"}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32010, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "DeviceNotFound", data["code"])
}

func TestToolsCallUnmappedErrorBecomesInternal(t *testing.T) {
	h := &fakeHandler{callErr: assert.AnError}
	s := newTestServer(h)
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"device_list"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	// The raw message never leaks, only the type name
	assert.Equal(t, "internal error", resp.Error.Message)
	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["type"])
}

func TestResourcesRead(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(h)
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"device://d1/health"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, "device://d1/health", h.lastURI)
}

func TestNotificationGetsNoResponse(t *testing.T) {
	s := newTestServer(&fakeHandler{})
	raw := s.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, raw)
}

func TestDomainCodesStayInReservedRange(t *testing.T) {
	seen := map[int]errdefs.Code{}
	for code, n := range domainCodes {
		assert.GreaterOrEqual(t, n, -32099, "code %s", code)
		assert.LessOrEqual(t, n, -32000, "code %s", code)
		if prev, dup := seen[n]; dup {
			t.Errorf("codes %s and %s share %d", code, prev, n)
		}
		seen[n] = code
	}
}

func TestRateLimitErrorCarriesRetryHint(t *testing.T) {
	h := &fakeHandler{
		callErr: errdefs.New(errdefs.CodeRateLimitExceeded, "rate limit exceeded").
			WithData("retry_after_ms", int64(1500)),
	}
	s := newTestServer(h)
	resp := handle(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"dns_read"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32005, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1500, data["retry_after_ms"])
}
