// Package routeros implements the typed client for MikroTik RouterOS
// devices. Operations come from a closed catalog, prefer REST, and
// fall back to whitelisted SSH command templates on transport failure.
package routeros

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// CredentialSource resolves device credentials at call time.
// Implemented by the vault.
type CredentialSource interface {
	Retrieve(deviceID string, kind types.CredentialKind) (username, plaintext string, err error)
}

// Caller is the read/write surface the rest of the system depends on
type Caller interface {
	Call(ctx context.Context, device *types.Device, op Operation) (*Result, error)
	Probe(ctx context.Context, device *types.Device) (*ProbeResult, error)
}

// Result is the outcome of one operation
type Result struct {
	Transport string      `json:"transport"` // "rest" or "ssh"
	Data      interface{} `json:"data,omitempty"`
	Raw       []byte      `json:"-"`
	Changed   bool        `json:"changed"`
}

// ProbeResult reports device reachability and basic resource metrics
type ProbeResult struct {
	Transport           string                 `json:"transport,omitempty"`
	FallbackUsed        bool                   `json:"fallback_used"`
	AttemptedTransports []string               `json:"attempted_transports"`
	ResponseTime        time.Duration          `json:"-"`
	ResponseTimeMs      int64                  `json:"response_time_ms"`
	Resource            map[string]interface{} `json:"resource,omitempty"`
	FailureReason       string                 `json:"failure_reason,omitempty"` // auth | timeout | unreachable | tls | protocol
	Remediation         []string               `json:"remediation,omitempty"`
}

// Config holds client tuning knobs
type Config struct {
	RESTTimeout time.Duration // Default 5s
	SSHTimeout  time.Duration // Default 10s
	PoolSize    int64         // Per-device concurrent request cap, default 8
	InsecureTLS bool
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		RESTTimeout: 5 * time.Second,
		SSHTimeout:  10 * time.Second,
		PoolSize:    8,
	}
}

// Client talks to RouterOS devices. One semaphore and one circuit
// breaker per device; no cross-device head-of-line blocking.
type Client struct {
	cfg        Config
	creds      CredentialSource
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	breakers map[string]*gobreaker.CircuitBreaker

	// Injectable transports for tests
	rest restDoer
	ssh  sshRunner
}

// NewClient creates a RouterOS client
func NewClient(cfg Config, creds CredentialSource) *Client {
	if cfg.RESTTimeout == 0 {
		cfg.RESTTimeout = 5 * time.Second
	}
	if cfg.SSHTimeout == 0 {
		cfg.SSHTimeout = 10 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}
	c := &Client{
		cfg:        cfg,
		creds:      creds,
		httpClient: newHTTPClient(cfg.InsecureTLS),
		logger:     log.WithComponent("routeros"),
		sems:       make(map[string]*semaphore.Weighted),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	c.rest = c.doREST
	c.ssh = runSSH
	return c
}

// sem returns the per-device request semaphore
func (c *Client) sem(deviceID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[deviceID]
	if !ok {
		s = semaphore.NewWeighted(c.cfg.PoolSize)
		c.sems[deviceID] = s
	}
	return s
}

// breaker returns the per-device circuit breaker
func (c *Client) breaker(deviceID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[deviceID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "routeros-" + deviceID,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		c.breakers[deviceID] = cb
	}
	return cb
}

// Call performs a typed operation against a device, REST first with
// SSH fallback on transport-level failure. Writes report `changed` by
// diffing the read-back value before and after.
func (c *Client) Call(ctx context.Context, device *types.Device, op Operation) (*Result, error) {
	s := c.sem(device.ID)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeTimeout, err, "cancelled waiting for device slot")
	}
	defer s.Release(1)

	// Pre-value for write idempotency
	var preValue string
	if op.Write && op.ReadBack != nil {
		raw, err := c.execREST(ctx, device, op.ReadBack)
		if err != nil {
			return nil, err
		}
		preValue = op.Normalize(decodeBody(raw))
	}

	result, err := c.execOp(ctx, device, op)
	if err != nil {
		return nil, err
	}

	if op.Write {
		result.Changed = true
		if op.ReadBack != nil {
			raw, err := c.execREST(ctx, device, op.ReadBack)
			if err != nil {
				return nil, err
			}
			postValue := op.Normalize(decodeBody(raw))
			result.Changed = preValue != postValue
			result.Data = decodeBody(raw)
		}
	}

	return result, nil
}

// execOp runs the operation through the breaker with REST-then-SSH
// fallback
func (c *Client) execOp(ctx context.Context, device *types.Device, op Operation) (*Result, error) {
	out, err := c.breaker(device.ID).Execute(func() (interface{}, error) {
		if op.REST != nil {
			raw, err := c.execRESTCreds(ctx, device, op.REST)
			if err == nil {
				return &Result{Transport: "rest", Raw: raw, Data: decodeBody(raw)}, nil
			}
			// Fall back only on transport-level failures
			if op.SSH == nil || !transportFailure(err) {
				return nil, err
			}
			c.logger.Debug().Err(err).Str("device_id", device.ID).Str("op", op.ID).Msg("rest failed, falling back to ssh")
		}
		if op.SSH == nil {
			return nil, errdefs.New(errdefs.CodeDeviceUnreachable, "no transport available for operation %s", op.ID)
		}
		raw, err := c.execSSH(ctx, device, op.SSH)
		if err != nil {
			return nil, err
		}
		return &Result{Transport: "ssh", Raw: raw, Data: parsePrintOutput(raw)}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "circuit open for device %s", device.Name)
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (c *Client) execRESTCreds(ctx context.Context, device *types.Device, spec *RESTSpec) ([]byte, error) {
	username, password, err := c.creds.Retrieve(device.ID, types.CredentialREST)
	if err != nil {
		return nil, err
	}
	return c.rest(ctx, device, username, password, spec, c.cfg.RESTTimeout)
}

// execREST is the read-back path, outside the breaker so a diff check
// cannot trip it twice for one logical call
func (c *Client) execREST(ctx context.Context, device *types.Device, spec *RESTSpec) ([]byte, error) {
	return c.execRESTCreds(ctx, device, spec)
}

func (c *Client) execSSH(ctx context.Context, device *types.Device, spec *SSHSpec) ([]byte, error) {
	if !device.Capabilities.AllowSSHCommands {
		return nil, errdefs.New(errdefs.CodeInvalidRequest,
			"ssh is disabled on device %s (allow_ssh_commands=false)", device.Name)
	}
	command, err := renderCommand(spec)
	if err != nil {
		return nil, err
	}
	username, password, err := c.creds.Retrieve(device.ID, types.CredentialSSH)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SSHTimeout)
	defer cancel()
	return c.ssh(ctx, device, username, password, command, spec.Stdin, c.cfg.SSHTimeout)
}

// transportFailure reports whether an error justifies SSH fallback
func transportFailure(err error) bool {
	switch errdefs.CodeOf(err) {
	case errdefs.CodeDeviceUnreachable, errdefs.CodeTimeout:
		return true
	}
	return false
}

// Probe checks reachability: REST first, SSH on transport failure.
// Both failing yields a classified reason plus remediation hints.
func (c *Client) Probe(ctx context.Context, device *types.Device) (*ProbeResult, error) {
	start := time.Now()
	probe := &ProbeResult{}

	op := OpSystemResource()

	probe.AttemptedTransports = append(probe.AttemptedTransports, "rest")
	raw, restErr := c.execRESTCreds(ctx, device, op.REST)
	if restErr == nil {
		probe.Transport = "rest"
		probe.Resource = asMap(decodeBody(raw))
		probe.ResponseTime = time.Since(start)
		probe.ResponseTimeMs = probe.ResponseTime.Milliseconds()
		return probe, nil
	}

	// SSH fallback only for devices that allow it; otherwise the REST
	// failure stands as the probe outcome
	if transportFailure(restErr) && device.Capabilities.AllowSSHCommands {
		probe.AttemptedTransports = append(probe.AttemptedTransports, "ssh")
		out, sshErr := c.execSSH(ctx, device, op.SSH)
		if sshErr == nil {
			probe.Transport = "ssh"
			probe.FallbackUsed = true
			probe.Resource = parsePrintOutput(out)
			probe.ResponseTime = time.Since(start)
			probe.ResponseTimeMs = probe.ResponseTime.Milliseconds()
			return probe, nil
		}
		restErr = sshErr
	}

	probe.ResponseTime = time.Since(start)
	probe.ResponseTimeMs = probe.ResponseTime.Milliseconds()
	probe.FailureReason, probe.Remediation = classifyFailure(restErr)
	return probe, restErr
}

// asMap coerces decoded JSON into a map where possible
func asMap(data interface{}) map[string]interface{} {
	if m, ok := data.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// classifyFailure buckets a probe error and suggests remediation
func classifyFailure(err error) (string, []string) {
	var e *errdefs.Error
	if ee, ok := err.(*errdefs.Error); ok {
		e = ee
	} else {
		e = errdefs.AsInternal(err)
	}

	if class, ok := e.Data["failure_class"].(string); ok && class == "tls" {
		return "tls", []string{
			"verify the device certificate or enable insecure TLS for lab devices",
			"check that www-ssl service is enabled on the device",
		}
	}

	switch e.Code {
	case errdefs.CodeAuthFailure:
		return "auth", []string{
			"verify the stored credential username and password",
			"rotate the credential if the device password changed",
		}
	case errdefs.CodeTimeout:
		return "timeout", []string{
			"raise routeros_rest_timeout_seconds for slow links",
			"check for packet loss between the service and the device",
		}
	case errdefs.CodeDeviceUnreachable:
		return "unreachable", []string{
			"verify the management IP and port",
			"check firewall rules blocking HTTPS (tcp/443) or SSH (tcp/22)",
			"confirm the device is powered and on the management network",
		}
	default:
		return "protocol", []string{
			"confirm the RouterOS version supports the REST API (7.1+)",
			"inspect device logs for malformed request reports",
		}
	}
}
