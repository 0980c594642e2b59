package routeros

import (
	"fmt"
	"sort"
	"strings"
)

// RESTSpec maps an operation onto the RouterOS REST API. Paths come
// from a closed catalog; they are never interpolated from user input.
type RESTSpec struct {
	Method string
	Path   string
	Body   map[string]interface{}
}

// SSHSpec maps an operation onto a whitelisted SSH command template.
// Params are rendered through typed validation; Stdin carries bulk
// payloads (config imports) without shell interpolation.
type SSHSpec struct {
	CommandID string
	Params    map[string]string
	Stdin     []byte
}

// Operation is one member of the closed operation set. Write
// operations carry a read-back spec so the client can report `changed`
// by diffing the pre and post values inside the same call envelope.
type Operation struct {
	ID    string
	REST  *RESTSpec
	SSH   *SSHSpec
	Write bool

	// For writes: how to fetch and normalize the current value
	ReadBack  *RESTSpec
	Normalize func(data interface{}) string
}

// normalizeServers renders a server list field into a stable string
func normalizeServers(data interface{}) string {
	switch v := data.(type) {
	case map[string]interface{}:
		if s, ok := v["servers"].(string); ok {
			return s
		}
		if s, ok := v["name"].(string); ok {
			return s
		}
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		sort.Strings(parts)
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", data)
}

// OpSystemResource reads /system/resource (CPU, memory, uptime, board)
func OpSystemResource() Operation {
	return Operation{
		ID:   "system.resource",
		REST: &RESTSpec{Method: "GET", Path: "/rest/system/resource"},
		SSH:  &SSHSpec{CommandID: "system_resource_print"},
	}
}

// OpSystemHealth reads /system/health (temperature, voltage)
func OpSystemHealth() Operation {
	return Operation{
		ID:   "system.health",
		REST: &RESTSpec{Method: "GET", Path: "/rest/system/health"},
		SSH:  &SSHSpec{CommandID: "system_health_print"},
	}
}

// OpIdentityGet reads the device identity string
func OpIdentityGet() Operation {
	return Operation{
		ID:   "identity.get",
		REST: &RESTSpec{Method: "GET", Path: "/rest/system/identity"},
		SSH:  &SSHSpec{CommandID: "identity_print"},
	}
}

// OpIdentitySet renames the device
func OpIdentitySet(name string) Operation {
	return Operation{
		ID:        "identity.set",
		REST:      &RESTSpec{Method: "POST", Path: "/rest/system/identity/set", Body: map[string]interface{}{"name": name}},
		SSH:       &SSHSpec{CommandID: "identity_set", Params: map[string]string{"name": name}},
		Write:     true,
		ReadBack:  &RESTSpec{Method: "GET", Path: "/rest/system/identity"},
		Normalize: normalizeServers,
	}
}

// OpDNSGet reads DNS client settings
func OpDNSGet() Operation {
	return Operation{
		ID:   "dns.get",
		REST: &RESTSpec{Method: "GET", Path: "/rest/ip/dns"},
		SSH:  &SSHSpec{CommandID: "dns_print"},
	}
}

// OpDNSSetServers replaces the DNS server list
func OpDNSSetServers(servers []string) Operation {
	joined := strings.Join(servers, ",")
	return Operation{
		ID:        "dns.set_servers",
		REST:      &RESTSpec{Method: "POST", Path: "/rest/ip/dns/set", Body: map[string]interface{}{"servers": joined}},
		SSH:       &SSHSpec{CommandID: "dns_set_servers", Params: map[string]string{"servers": joined}},
		Write:     true,
		ReadBack:  &RESTSpec{Method: "GET", Path: "/rest/ip/dns"},
		Normalize: normalizeServers,
	}
}

// OpNTPGet reads NTP client settings
func OpNTPGet() Operation {
	return Operation{
		ID:   "ntp.get",
		REST: &RESTSpec{Method: "GET", Path: "/rest/system/ntp/client"},
		SSH:  &SSHSpec{CommandID: "ntp_print"},
	}
}

// OpNTPSetServers replaces the NTP server list
func OpNTPSetServers(servers []string) Operation {
	joined := strings.Join(servers, ",")
	return Operation{
		ID:        "ntp.set_servers",
		REST:      &RESTSpec{Method: "POST", Path: "/rest/system/ntp/client/set", Body: map[string]interface{}{"servers": joined}},
		SSH:       &SSHSpec{CommandID: "ntp_set_servers", Params: map[string]string{"servers": joined}},
		Write:     true,
		ReadBack:  &RESTSpec{Method: "GET", Path: "/rest/system/ntp/client"},
		Normalize: normalizeServers,
	}
}

// OpIPAddressList reads configured IP addresses
func OpIPAddressList() Operation {
	return Operation{
		ID:   "ip.address_list",
		REST: &RESTSpec{Method: "GET", Path: "/rest/ip/address"},
		SSH:  &SSHSpec{CommandID: "ip_address_print"},
	}
}

// OpIPAddressAdd adds a secondary address on an interface
func OpIPAddressAdd(address, iface string) Operation {
	return Operation{
		ID: "ip.add_secondary_address",
		REST: &RESTSpec{Method: "PUT", Path: "/rest/ip/address", Body: map[string]interface{}{
			"address":   address,
			"interface": iface,
		}},
		SSH:       &SSHSpec{CommandID: "ip_address_add", Params: map[string]string{"address": address, "interface": iface}},
		Write:     true,
		ReadBack:  &RESTSpec{Method: "GET", Path: "/rest/ip/address"},
		Normalize: normalizeServers,
	}
}

// OpAddressListGet reads firewall address-list entries
func OpAddressListGet() Operation {
	return Operation{
		ID:   "firewall.address_list",
		REST: &RESTSpec{Method: "GET", Path: "/rest/ip/firewall/address-list"},
	}
}

// OpAddressListAdd adds an entry to a firewall address list
func OpAddressListAdd(list, address string) Operation {
	return Operation{
		ID: "firewall.address_list_add",
		REST: &RESTSpec{Method: "PUT", Path: "/rest/ip/firewall/address-list", Body: map[string]interface{}{
			"list":    list,
			"address": address,
		}},
		SSH:       &SSHSpec{CommandID: "address_list_add", Params: map[string]string{"list": list, "address": address}},
		Write:     true,
		ReadBack:  &RESTSpec{Method: "GET", Path: "/rest/ip/firewall/address-list"},
		Normalize: normalizeServers,
	}
}

// OpInterfaceList reads interface state
func OpInterfaceList() Operation {
	return Operation{
		ID:   "interface.list",
		REST: &RESTSpec{Method: "GET", Path: "/rest/interface"},
		SSH:  &SSHSpec{CommandID: "interface_print"},
	}
}

// OpExportCompact captures the device configuration as a compact
// RouterOS script. SSH only; the REST API has no export endpoint.
func OpExportCompact() Operation {
	return Operation{
		ID:  "config.export_compact",
		SSH: &SSHSpec{CommandID: "export_compact"},
	}
}

// OpExportFull captures the full (verbose) configuration script
func OpExportFull() Operation {
	return Operation{
		ID:  "config.export_full",
		SSH: &SSHSpec{CommandID: "export_full"},
	}
}

// OpImportConfiguration replays a configuration script on the device,
// used by the rollback path. The payload travels over stdin, never
// through command interpolation.
func OpImportConfiguration(payload []byte) Operation {
	return Operation{
		ID:    "config.import",
		SSH:   &SSHSpec{CommandID: "import_stdin", Stdin: payload},
		Write: true,
	}
}
