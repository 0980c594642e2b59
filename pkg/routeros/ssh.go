package routeros

import (
	"bytes"
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// commandTemplates is the whitelist of SSH commands the client may
// run. Placeholders are rendered through renderParam; anything not in
// this map is rejected before a connection is even attempted.
var commandTemplates = map[string]string{
	"system_resource_print": "/system resource print",
	"system_health_print":   "/system health print",
	"identity_print":        "/system identity print",
	"identity_set":          "/system identity set name={name}",
	"dns_print":             "/ip dns print",
	"dns_set_servers":       "/ip dns set servers={servers}",
	"ntp_print":             "/system ntp client print",
	"ntp_set_servers":       "/system ntp client set servers={servers}",
	"ip_address_print":      "/ip address print detail",
	"ip_address_add":        "/ip address add address={address} interface={interface}",
	"address_list_add":      "/ip firewall address-list add list={list} address={address}",
	"interface_print":       "/interface print",
	"export_compact":        "/export compact",
	"export_full":           "/export",
	"import_stdin":          "/import file-name=rosfleet-rollback.rsc",
}

// shellMeta are characters that never appear in legitimate RouterOS
// parameter values; their presence fails the render step.
const shellMeta = ";|&$`\"'\\<>(){}\n\r"

// renderParam validates one typed parameter value
func renderParam(name, value string) (string, error) {
	if value == "" {
		return "", errdefs.New(errdefs.CodeUnsafeOperation, "empty value for ssh parameter %s", name)
	}
	if strings.ContainsAny(value, shellMeta) {
		return "", errdefs.New(errdefs.CodeUnsafeOperation, "ssh parameter %s contains forbidden characters", name)
	}
	return value, nil
}

// renderCommand expands a whitelisted template with validated params
func renderCommand(spec *SSHSpec) (string, error) {
	tmpl, ok := commandTemplates[spec.CommandID]
	if !ok {
		return "", errdefs.New(errdefs.CodeUnsafeOperation, "ssh command not whitelisted: %s", spec.CommandID)
	}

	cmd := tmpl
	for name, value := range spec.Params {
		placeholder := "{" + name + "}"
		if !strings.Contains(cmd, placeholder) {
			return "", errdefs.New(errdefs.CodeUnsafeOperation, "unexpected parameter %s for command %s", name, spec.CommandID)
		}
		rendered, err := renderParam(name, value)
		if err != nil {
			return "", err
		}
		cmd = strings.ReplaceAll(cmd, placeholder, rendered)
	}
	if strings.Contains(cmd, "{") {
		return "", errdefs.New(errdefs.CodeUnsafeOperation, "missing parameters for command %s", spec.CommandID)
	}
	return cmd, nil
}

// sshRunner executes a rendered command on a device. Swapped out in
// tests.
type sshRunner func(ctx context.Context, device *types.Device, username, password, command string, stdin []byte, timeout time.Duration) ([]byte, error)

// runSSH dials the device and runs one command over a single session
func runSSH(ctx context.Context, device *types.Device, username, password, command string, stdin []byte, timeout time.Duration) ([]byte, error) {
	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{ssh.Password(password)},
		// RouterOS host keys are tracked per device out of band; the
		// fleet store does not pin them yet
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(device.Host, "22")
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mapDialError(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errdefs.Wrap(errdefs.CodeAuthFailure, err, "ssh authentication failed for %s", device.Name)
		}
		return nil, errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "ssh handshake failed for %s", device.Name)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDeviceError, err, "failed to open ssh session")
	}
	defer session.Close()

	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.CodeTimeout, ctx.Err(), "ssh command timed out on %s", device.Name)
	case err := <-done:
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeDeviceError, err, "ssh command failed: %s", strings.TrimSpace(stderr.String()))
		}
	}

	return stdout.Bytes(), nil
}

// parsePrintOutput converts RouterOS `print` output into a flat map.
// Lines look like `  uptime: 2w3d5h` or `key=value` pairs.
func parsePrintOutput(output []byte) map[string]interface{} {
	result := make(map[string]interface{})
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx > 0 && !strings.Contains(line[:idx], " ") {
			key := strings.TrimSpace(line[:idx])
			result[key] = strings.TrimSpace(line[idx+1:])
			continue
		}
		for _, pair := range strings.Fields(line) {
			if idx := strings.Index(pair, "="); idx > 0 {
				result[pair[:idx]] = pair[idx+1:]
			}
		}
	}
	return result
}

func mapDialError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return errdefs.Wrap(errdefs.CodeTimeout, err, "connection timed out")
	default:
		return errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "connection failed")
	}
}
