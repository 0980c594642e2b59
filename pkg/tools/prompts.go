package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/mcp"
)

// Prompts are pure template expansions: they produce protocol messages
// from their arguments and never touch a device or the store.

type promptSpec struct {
	def    mcp.PromptDefinition
	expand func(args map[string]string) string
}

var promptCatalog = []promptSpec{
	{
		def: mcp.PromptDefinition{
			Name:        "safe_change_workflow",
			Description: "Walk through the plan, approve, apply pipeline for one device change",
			Arguments: []mcp.PromptArgument{
				{Name: "device", Description: "Device name or id", Required: true},
				{Name: "change", Description: "What should change, e.g. 'set DNS to 1.1.1.1'", Required: true},
			},
		},
		expand: func(args map[string]string) string {
			return fmt.Sprintf(`I want to make this change to RouterOS device %s: %s.

Follow the safe change workflow:
1. Run device_health on the device and stop if it is not healthy.
2. Use the matching change tool (dns_update, ntp_update, identity_set, ip_add_secondary_address, or address_list_update) with dry_run=true and show me the diff.
3. If the preview looks right, run the tool again without dry_run to create the plan.
4. Summarize the plan's current vs desired values and its risk level, then wait for my confirmation before calling plan_approve.
5. After approval, call plan_apply with the returned token and report the job id.
6. When the job finishes, read device://{id}/health and confirm the device did not degrade.`,
				args["device"], args["change"])
		},
	},
	{
		def: mcp.PromptDefinition{
			Name:        "incident_triage",
			Description: "Triage an unreachable or degraded device",
			Arguments: []mcp.PromptArgument{
				{Name: "device", Description: "Device name or id", Required: true},
			},
		},
		expand: func(args map[string]string) string {
			return fmt.Sprintf(`Device %s looks unhealthy. Triage it:

1. Run connectivity_check and report the failure classification and remediation hints.
2. Pull the last ten checks from device://{id}/health and describe when the degradation started.
3. Query audit://{id} for recent WRITE events; flag any plan applied shortly before the first bad check.
4. If a recent plan correlates with the incident, show its pre_change snapshot id so an operator can decide on a rollback.
5. Finish with a one-paragraph incident summary: what is broken, since when, the most likely cause, and the next action.`,
				args["device"])
		},
	},
	{
		def: mcp.PromptDefinition{
			Name:        "fleet_health_review",
			Description: "Produce a fleet-wide health report",
		},
		expand: func(args map[string]string) string {
			return `Review the fleet:

1. Call fleet_summary and list the devices that are degraded, unreachable, or write-blocked.
2. For each problem device, fetch its latest health check and note cpu, memory, and the error detail.
3. Check audit_query for failed or rolled-back writes in the last 24 hours.
4. Rank the findings by urgency and recommend at most three concrete follow-ups.`
		},
	},
}

// ListPrompts implements mcp.Handler
func (r *Registry) ListPrompts(ctx context.Context) []mcp.PromptDefinition {
	defs := make([]mcp.PromptDefinition, 0, len(promptCatalog))
	for _, spec := range promptCatalog {
		defs = append(defs, spec.def)
	}
	return defs
}

// GetPrompt implements mcp.Handler
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.PromptsGetResult, error) {
	for _, spec := range promptCatalog {
		if spec.def.Name != name {
			continue
		}
		var missing []string
		for _, arg := range spec.def.Arguments {
			if arg.Required && args[arg.Name] == "" {
				missing = append(missing, arg.Name)
			}
		}
		if len(missing) > 0 {
			return nil, errdefs.New(errdefs.CodeInvalidParams,
				"prompt %s requires: %s", name, strings.Join(missing, ", "))
		}
		return &mcp.PromptsGetResult{
			Description: spec.def.Description,
			Messages: []mcp.PromptMessage{{
				Role:    "user",
				Content: mcp.TextContent(spec.expand(args)),
			}},
		}, nil
	}
	return nil, errdefs.New(errdefs.CodeMethodNotFound, "unknown prompt %q", name)
}
