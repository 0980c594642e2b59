package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/metrics"
)

func registerAll(healthy bool) {
	metrics.RegisterComponent("database", healthy, "")
	metrics.RegisterComponent("scheduler", healthy, "")
	metrics.RegisterComponent("mcp", healthy, "")
}

func TestHealthEndpoint(t *testing.T) {
	registerAll(true)
	server := NewServer(":0")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status metrics.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}

func TestReadyEndpointUnavailableWhenComponentDown(t *testing.T) {
	registerAll(true)
	metrics.UpdateComponent("database", false, "bolt file locked")
	t.Cleanup(func() { registerAll(true) })

	server := NewServer(":0")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status metrics.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Components["database"], "bolt file locked")
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	server := NewServer(":0")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
