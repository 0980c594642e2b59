package tools

import "encoding/json"

// Input schemas, served verbatim through tools/list. Validation beyond
// shape happens in the handlers and the plan topics, which own the
// semantic rules (address syntax, overlap checks, whitelists).

var (
	schemaEmpty = json.RawMessage(`{
		"type": "object",
		"properties": {}
	}`)

	schemaDeviceID = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string", "description": "Device id from device_register or device_list"}
		},
		"required": ["device_id"]
	}`)

	schemaDeviceRegister = json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Unique fleet-wide device name"},
			"host": {"type": "string", "description": "Management IP or hostname"},
			"port": {"type": "integer", "description": "REST port, default 443"},
			"environment": {"type": "string", "enum": ["lab", "staging", "prod"]},
			"capabilities": {
				"type": "object",
				"properties": {
					"allow_advanced_writes": {"type": "boolean"},
					"allow_professional_workflows": {"type": "boolean"},
					"allow_ssh_commands": {"type": "boolean"}
				}
			},
			"tags": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["name", "host", "environment"]
	}`)

	schemaDeviceList = json.RawMessage(`{
		"type": "object",
		"properties": {
			"environment": {"type": "string", "enum": ["lab", "staging", "prod"]},
			"status": {"type": "string", "enum": ["pending", "healthy", "degraded", "unreachable", "decommissioned"]},
			"tag_key": {"type": "string"},
			"tag_value": {"type": "string"}
		}
	}`)

	schemaDeviceUpdateFlags = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"capabilities": {
				"type": "object",
				"properties": {
					"allow_advanced_writes": {"type": "boolean"},
					"allow_professional_workflows": {"type": "boolean"},
					"allow_ssh_commands": {"type": "boolean"}
				}
			},
			"write_blocked": {"type": "boolean", "description": "Clear after resolving a failed rollback"},
			"tags": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["device_id"]
	}`)

	schemaDeviceHealth = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"force_probe": {"type": "boolean", "description": "Run a fresh probe instead of returning the latest stored check"}
		},
		"required": ["device_id"]
	}`)

	schemaServersChange = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"servers": {"type": "array", "items": {"type": "string"}, "description": "Server addresses, order-insensitive"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["device_id", "servers"]
	}`)

	schemaIdentitySet = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"name": {"type": "string", "description": "New system identity"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["device_id", "name"]
	}`)

	schemaIPAdd = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"address": {"type": "string", "description": "CIDR address, e.g. 10.20.0.1/24"},
			"interface": {"type": "string", "description": "Existing interface name"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["device_id", "address", "interface"]
	}`)

	schemaAddressList = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"list": {"type": "string", "description": "Firewall address-list name"},
			"address": {"type": "string"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["device_id", "list", "address"]
	}`)

	schemaConfigExport = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"format": {"type": "string", "enum": ["compact", "full"], "description": "Default compact"}
		},
		"required": ["device_id"]
	}`)

	schemaRollout = json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "description": "Change operation id, e.g. dns.set_servers"},
			"device_ids": {"type": "array", "items": {"type": "string"}},
			"parallel": {"type": "boolean", "description": "Apply targets concurrently; default serial"},
			"servers": {"type": "array", "items": {"type": "string"}},
			"name": {"type": "string"},
			"address": {"type": "string"},
			"interface": {"type": "string"},
			"list": {"type": "string"},
			"dry_run": {"type": "boolean"}
		},
		"required": ["operation", "device_ids"]
	}`)

	schemaPlanID = json.RawMessage(`{
		"type": "object",
		"properties": {
			"plan_id": {"type": "string"}
		},
		"required": ["plan_id"]
	}`)

	schemaPlanApply = json.RawMessage(`{
		"type": "object",
		"properties": {
			"plan_id": {"type": "string"},
			"approval_token": {
				"type": "object",
				"description": "The token object returned by plan_approve, echoed back unmodified",
				"properties": {
					"token": {"type": "string"},
					"plan_id": {"type": "string"},
					"issued_at": {"type": "string"},
					"expires_at": {"type": "string"},
					"signature": {"type": "string"}
				},
				"required": ["token", "plan_id", "issued_at", "expires_at", "signature"]
			}
		},
		"required": ["plan_id", "approval_token"]
	}`)

	schemaSnapshotGet = json.RawMessage(`{
		"type": "object",
		"properties": {
			"snapshot_id": {"type": "string"}
		},
		"required": ["snapshot_id"]
	}`)

	schemaAuditQuery = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"plan_id": {"type": "string"},
			"action": {"type": "string", "enum": ["READ", "READ_SENSITIVE", "WRITE", "PLAN", "APPROVE", "REGISTER", "DECOMMISSION"]},
			"since": {"type": "string", "description": "RFC3339 lower bound"},
			"limit": {"type": "integer", "description": "Default 100"}
		}
	}`)

	schemaCredentialStore = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"kind": {"type": "string", "enum": ["rest", "ssh"]},
			"username": {"type": "string"},
			"password": {"type": "string", "description": "Encrypted at rest, never echoed or logged"}
		},
		"required": ["device_id", "kind", "username", "password"]
	}`)

	schemaCredentialRotate = json.RawMessage(`{
		"type": "object",
		"properties": {
			"device_id": {"type": "string"},
			"kind": {"type": "string", "enum": ["rest", "ssh"]},
			"new_password": {"type": "string"}
		},
		"required": ["device_id", "kind", "new_password"]
	}`)
)
