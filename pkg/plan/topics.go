package plan

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// topicSpec describes how to plan one operation: read the current
// value, compute the desired value from tool parameters, and build the
// write operation the executor will run.
type topicSpec struct {
	topic  string
	risk   types.RiskLevel
	impact string

	read    func() routeros.Operation
	current func(data interface{}) interface{}
	desired func(params map[string]interface{}) (interface{}, error)
	apply   func(desired interface{}) (routeros.Operation, error)

	// unchanged decides whether the desired state is already in place.
	// Replace-style topics compare values; add-style topics check
	// membership. Nil means compare JSON encodings.
	unchanged func(current, desired interface{}) bool

	// precheck validates the change against device state before the
	// plan is persisted. Optional.
	precheck func(ctx context.Context, client routeros.Caller, device *types.Device, params map[string]interface{}) (string, error)
}

var topics = map[string]*topicSpec{
	"identity.set": {
		topic:  "identity",
		risk:   types.RiskLow,
		impact: "device renames itself; no traffic impact",
		read:   routeros.OpIdentityGet,
		current: func(data interface{}) interface{} {
			return mapString(data, "name")
		},
		desired: func(params map[string]interface{}) (interface{}, error) {
			return requireString(params, "name")
		},
		apply: func(desired interface{}) (routeros.Operation, error) {
			name, ok := desired.(string)
			if !ok {
				return routeros.Operation{}, errdefs.New(errdefs.CodeInvalidParams, "identity name must be a string")
			}
			return routeros.OpIdentitySet(name), nil
		},
	},

	"dns.set_servers": {
		topic:  "dns",
		risk:   types.RiskMedium,
		impact: "name resolution switches to the new servers; brief cache misses",
		read:   routeros.OpDNSGet,
		current: func(data interface{}) interface{} {
			return splitServers(mapString(data, "servers"))
		},
		desired: func(params map[string]interface{}) (interface{}, error) {
			return requireAddrList(params, "servers")
		},
		apply: applyServers(routeros.OpDNSSetServers),
	},

	"ntp.set_servers": {
		topic:  "ntp",
		risk:   types.RiskMedium,
		impact: "time sync re-converges against the new servers",
		read:   routeros.OpNTPGet,
		current: func(data interface{}) interface{} {
			return splitServers(mapString(data, "servers"))
		},
		desired: func(params map[string]interface{}) (interface{}, error) {
			return requireStringList(params, "servers")
		},
		apply: applyServers(routeros.OpNTPSetServers),
	},

	"ip.add_secondary_address": {
		topic:  "ip",
		risk:   types.RiskMedium,
		impact: "adds an address; existing traffic unaffected",
		read:   routeros.OpIPAddressList,
		current: func(data interface{}) interface{} {
			// Adding is not a replace; current is the full address list
			return addressStrings(data)
		},
		desired: func(params map[string]interface{}) (interface{}, error) {
			address, err := requireCIDR(params, "address")
			if err != nil {
				return nil, err
			}
			iface, err := requireString(params, "interface")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"address": address, "interface": iface}, nil
		},
		apply: func(desired interface{}) (routeros.Operation, error) {
			m, ok := desired.(map[string]interface{})
			if !ok {
				return routeros.Operation{}, errdefs.New(errdefs.CodeInvalidParams, "malformed ip address change")
			}
			return routeros.OpIPAddressAdd(fmt.Sprintf("%v", m["address"]), fmt.Sprintf("%v", m["interface"])), nil
		},
		unchanged: func(current, desired interface{}) bool {
			m, ok := desired.(map[string]interface{})
			if !ok {
				return false
			}
			want := fmt.Sprintf("%v", m["address"])
			for _, addr := range toStringSlice(current) {
				if addr == want {
					return true
				}
			}
			return false
		},
		precheck: precheckSecondaryAddress,
	},

	"firewall.address_list_add": {
		topic:  "firewall",
		risk:   types.RiskMedium,
		impact: "list membership changes; effect depends on referencing rules",
		read: routeros.OpAddressListGet,
		current: func(data interface{}) interface{} {
			rows, ok := data.([]interface{})
			if !ok {
				return nil
			}
			out := make([]string, 0, len(rows))
			for _, row := range rows {
				if m, ok := row.(map[string]interface{}); ok {
					out = append(out, mapString(m, "list")+"/"+mapString(m, "address"))
				}
			}
			sort.Strings(out)
			return out
		},
		desired: func(params map[string]interface{}) (interface{}, error) {
			list, err := requireString(params, "list")
			if err != nil {
				return nil, err
			}
			address, err := requireString(params, "address")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"list": list, "address": address}, nil
		},
		apply: func(desired interface{}) (routeros.Operation, error) {
			m, ok := desired.(map[string]interface{})
			if !ok {
				return routeros.Operation{}, errdefs.New(errdefs.CodeInvalidParams, "malformed address-list change")
			}
			return routeros.OpAddressListAdd(fmt.Sprintf("%v", m["list"]), fmt.Sprintf("%v", m["address"])), nil
		},
		unchanged: func(current, desired interface{}) bool {
			m, ok := desired.(map[string]interface{})
			if !ok {
				return false
			}
			want := fmt.Sprintf("%v/%v", m["list"], m["address"])
			for _, entry := range toStringSlice(current) {
				if entry == want {
					return true
				}
			}
			return false
		},
	},
}

// OperationFor rebuilds the device operation for a persisted change.
// The executor uses this to run approved plans; unknown operations are
// rejected rather than guessed at.
func OperationFor(change types.Change) (routeros.Operation, error) {
	spec, ok := topics[change.Operation]
	if !ok {
		return routeros.Operation{}, errdefs.New(errdefs.CodeUnsafeOperation, "no operation mapping for %s", change.Operation)
	}
	return spec.apply(change.DesiredValue)
}

func applyServers(op func([]string) routeros.Operation) func(interface{}) (routeros.Operation, error) {
	return func(desired interface{}) (routeros.Operation, error) {
		servers := toStringSlice(desired)
		if len(servers) == 0 {
			return routeros.Operation{}, errdefs.New(errdefs.CodeInvalidParams, "server list is empty")
		}
		return op(servers), nil
	}
}

// precheckSecondaryAddress verifies the interface exists, the subnet
// does not overlap an existing one, and the address is not the
// management IP.
func precheckSecondaryAddress(ctx context.Context, client routeros.Caller, device *types.Device, params map[string]interface{}) (string, error) {
	address, err := requireCIDR(params, "address")
	if err != nil {
		return "", err
	}
	iface, err := requireString(params, "interface")
	if err != nil {
		return "", err
	}

	prefix, err := netip.ParsePrefix(address)
	if err != nil {
		return "", errdefs.New(errdefs.CodeInvalidParams, "address %q is not valid CIDR", address)
	}

	mgmt, mgmtErr := netip.ParseAddr(device.Host)
	if mgmtErr == nil && prefix.Addr() == mgmt {
		return "", errdefs.New(errdefs.CodeUnsafeOperation, "refusing to reconfigure the management address %s", device.Host)
	}

	ifaces, err := client.Call(ctx, device, routeros.OpInterfaceList())
	if err != nil {
		return "", err
	}
	if !interfaceExists(ifaces.Data, iface) {
		return "", errdefs.New(errdefs.CodeInvalidParams, "interface %q does not exist on %s", iface, device.Name)
	}

	addrs, err := client.Call(ctx, device, routeros.OpIPAddressList())
	if err != nil {
		return "", err
	}
	for _, existing := range addressStrings(addrs.Data) {
		existingPrefix, err := netip.ParsePrefix(existing)
		if err != nil {
			continue
		}
		if existingPrefix.Overlaps(prefix) {
			return "", errdefs.New(errdefs.CodeUnsafeOperation, "subnet %s overlaps existing %s", address, existing)
		}
	}

	return fmt.Sprintf("interface %s exists; no subnet overlap among %d addresses", iface, len(addressStrings(addrs.Data))), nil
}

func interfaceExists(data interface{}, name string) bool {
	rows, ok := data.([]interface{})
	if !ok {
		return false
	}
	for _, row := range rows {
		if m, ok := row.(map[string]interface{}); ok && mapString(m, "name") == name {
			return true
		}
	}
	return false
}

// addressStrings extracts address CIDRs from an ip/address listing
func addressStrings(data interface{}) []string {
	rows, ok := data.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if m, ok := row.(map[string]interface{}); ok {
			if addr := mapString(m, "address"); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func mapString(data interface{}, key string) string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func splitServers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	sort.Strings(parts)
	return parts
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s, ok := params[key].(string)
	if !ok || s == "" {
		return "", errdefs.New(errdefs.CodeInvalidParams, "missing required parameter %q", key)
	}
	return s, nil
}

func requireStringList(params map[string]interface{}, key string) ([]string, error) {
	out := toStringSlice(params[key])
	if len(out) == 0 {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "parameter %q must be a non-empty list", key)
	}
	sort.Strings(out)
	return out, nil
}

// requireAddrList parses a server list and insists every entry is an
// IP address
func requireAddrList(params map[string]interface{}, key string) ([]string, error) {
	servers, err := requireStringList(params, key)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if _, err := netip.ParseAddr(s); err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "%q is not a valid IP address", s)
		}
	}
	return servers, nil
}

func requireCIDR(params map[string]interface{}, key string) (string, error) {
	s, err := requireString(params, key)
	if err != nil {
		return "", err
	}
	if _, err := netip.ParsePrefix(s); err != nil {
		return "", errdefs.New(errdefs.CodeInvalidParams, "%q is not valid CIDR notation", s)
	}
	return s, nil
}

// toStringSlice tolerates both native string slices and the
// []interface{} shape JSON round-trips produce
func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitServers(vv)
	}
	return nil
}
