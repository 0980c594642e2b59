package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/config"
	"github.com/rosfleet/rosfleet/pkg/mcp"
	"github.com/rosfleet/rosfleet/pkg/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Listen.HTTP = "127.0.0.1:0"
	cfg.ApprovalSecret = strings.Repeat("s", 32)

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	cfg.EncryptionKey = key
	return cfg
}

func TestServerBootsAndServesMCP(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, "test")
	require.NoError(t, err)

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), in, &out, "test-operator") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not drain the message stream")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var initResp mcp.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &initResp))
	require.Nil(t, initResp.Error)

	var toolsResp mcp.Response
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &toolsResp))
	require.Nil(t, toolsResp.Error)

	encoded, err := json.Marshal(toolsResp.Result)
	require.NoError(t, err)
	var tools mcp.ToolsListResult
	require.NoError(t, json.Unmarshal(encoded, &tools))
	assert.Len(t, tools.Tools, 23)
}

func TestServerRequiresApprovalSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.ApprovalSecret = ""

	_, err := New(cfg, "test")
	assert.ErrorContains(t, err, "ROSFLEET_APPROVAL_SECRET")
}

func TestServerRejectsMalformedEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = "not-base64!!!"

	_, err := New(cfg, "test")
	assert.ErrorContains(t, err, "encryption key")
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, "test")
	require.NoError(t, err)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), strings.NewReader(""), &out, "op") }()
	require.NoError(t, <-done)

	// A second Stop after Run's own shutdown must not panic
	srv.Stop()
}
