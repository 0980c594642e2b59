package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
)

func TestListPrompts(t *testing.T) {
	f := newFixture(t)
	defs := f.registry.ListPrompts(context.Background())
	require.Len(t, defs, 3)

	names := map[string]bool{}
	for _, def := range defs {
		names[def.Name] = true
	}
	assert.True(t, names["safe_change_workflow"])
	assert.True(t, names["incident_triage"])
	assert.True(t, names["fleet_health_review"])
}

func TestGetPromptExpandsArguments(t *testing.T) {
	f := newFixture(t)
	result, err := f.registry.GetPrompt(context.Background(), "safe_change_workflow", map[string]string{
		"device": "edge-01",
		"change": "set DNS to 1.1.1.1",
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "user", result.Messages[0].Role)
	assert.Contains(t, result.Messages[0].Content.Text, "edge-01")
	assert.Contains(t, result.Messages[0].Content.Text, "set DNS to 1.1.1.1")
	assert.Contains(t, result.Messages[0].Content.Text, "plan_approve")
}

func TestGetPromptMissingArgument(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.GetPrompt(context.Background(), "incident_triage", nil)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidParams))
}

func TestGetPromptUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.GetPrompt(context.Background(), "format_disk", nil)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeMethodNotFound))
}
