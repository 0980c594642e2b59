package routeros

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// restDoer executes one REST call against a device. Swapped out in
// tests.
type restDoer func(ctx context.Context, device *types.Device, username, password string, spec *RESTSpec, timeout time.Duration) ([]byte, error)

// newHTTPClient builds the pooled HTTP client shared by all devices.
// Connection reuse happens per host inside the transport.
func newHTTPClient(insecureTLS bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig: &tls.Config{
				// Lab devices commonly run self-signed certs
				InsecureSkipVerify: insecureTLS,
			},
		},
	}
}

func (c *Client) doREST(ctx context.Context, device *types.Device, username, password string, spec *RESTSpec, timeout time.Duration) ([]byte, error) {
	url := fmt.Sprintf("https://%s%s", net.JoinHostPort(device.Host, fmt.Sprintf("%d", device.Port)), spec.Path)

	var body *bytes.Reader
	if spec.Body != nil {
		data, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, spec.Method, url, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)
	if spec.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDeviceError, err, "failed to read response body")
	}

	if err := mapHTTPStatus(resp.StatusCode, buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mapHTTPStatus converts RouterOS HTTP status codes into the internal
// error taxonomy.
func mapHTTPStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return errdefs.New(errdefs.CodeAuthFailure, "routeros rejected credentials (HTTP %d)", status)
	case status == 404:
		// A missing path is a bad request, not a device fault
		return errdefs.New(errdefs.CodeInvalidRequest, "routeros path not found (HTTP 404)").WithData("body", string(body))
	case status >= 400 && status < 500:
		return errdefs.New(errdefs.CodeInvalidRequest, "routeros rejected request (HTTP %d)", status).WithData("body", string(body))
	default:
		return errdefs.New(errdefs.CodeDeviceError, "routeros error (HTTP %d)", status).WithData("body", string(body))
	}
}

// mapTransportError classifies connection-level failures
func mapTransportError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout"):
		return errdefs.Wrap(errdefs.CodeTimeout, err, "request exceeded deadline")
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "tls negotiation failed").WithData("failure_class", "tls")
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "device unreachable")
	default:
		return errdefs.Wrap(errdefs.CodeDeviceUnreachable, err, "transport failure")
	}
}

// decodeBody parses a REST response into generic JSON data
func decodeBody(raw []byte) interface{} {
	var data interface{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return string(raw)
	}
	return data
}
