package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/cordelane/tunneld/pkg/api"
)

type Client interface {
	HTTPClient() *http.Client
	TunnelManager() *TunnelManager
}

// New creates a client.
// socketPath is a path to the UNIX socket, without unix:// prefix.
func New(socketPath string) (Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, err
	}
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return NewWithHTTPClient(hc), nil
}

func NewWithHTTPClient(hc *http.Client) Client {
	return &client{
		Client:    hc,
		version:   "v1",
		dummyHost: "tunneld",
	}
}

type client struct {
	*http.Client
	// version is always "v1"
	version   string
	dummyHost string
}

func (c *client) HTTPClient() *http.Client {
	return c.Client
}

func (c *client) TunnelManager() *TunnelManager {
	return &TunnelManager{
		client: c,
	}
}

func readAtMost(r io.Reader, maxBytes int) ([]byte, error) {
	lr := &io.LimitedReader{
		R: r,
		N: int64(maxBytes),
	}
	b, err := io.ReadAll(lr)
	if err != nil {
		return b, err
	}
	if lr.N == 0 {
		return b, fmt.Errorf("expected at most %d bytes, got more", maxBytes)
	}
	return b, nil
}

// HTTPStatusErrorBodyMaxLength specifies the maximum length of HTTPStatusError.Body
const HTTPStatusErrorBodyMaxLength = 64 * 1024

// HTTPStatusError is created from non-2XX HTTP response
type HTTPStatusError struct {
	// StatusCode is non-2XX status code
	StatusCode int
	// Body is at most HTTPStatusErrorBodyMaxLength
	Body string
}

// Error implements error.
// If e.Body is a marshalled string of api.ErrorJSON, Error returns ErrorJSON.Message .
// Otherwise Error returns a human-readable string that contains e.StatusCode and e.Body.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" && len(e.Body) < HTTPStatusErrorBodyMaxLength {
		var ej api.ErrorJSON
		if json.Unmarshal([]byte(e.Body), &ej) == nil {
			return ej.Message
		}
	}
	return fmt.Sprintf("unexpected HTTP status %s, body=%q", http.StatusText(e.StatusCode), e.Body)
}

func successful(resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.StatusCode/100 != 2 {
		b, _ := readAtMost(resp.Body, HTTPStatusErrorBodyMaxLength)
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(b),
		}
	}
	return nil
}

type TunnelManager struct {
	*client
}

// Connect asks the daemon to establish the tunnel described by spec and
// returns the tunnel's status as of the request. Re-issuing while the tunnel
// is connecting or connected is a safe no-op.
func (tm *TunnelManager) Connect(ctx context.Context, spec api.TunnelSpec) (*api.TunnelStatus, error) {
	m, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("http://%s/%s/tunnels", tm.client.dummyHost, tm.client.version)
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(m))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := tm.client.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := successful(resp); err != nil {
		return nil, err
	}
	var result struct {
		api.ResultJSON
		Tunnel api.TunnelStatus `json:"tunnel"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result.Tunnel, nil
}

// Statuses returns every registered tunnel's status keyed by tunnel name.
func (tm *TunnelManager) Statuses(ctx context.Context) (map[string]api.TunnelStatus, error) {
	u := fmt.Sprintf("http://%s/%s/tunnels", tm.client.dummyHost, tm.client.version)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := tm.client.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := successful(resp); err != nil {
		return nil, err
	}
	var statuses map[string]api.TunnelStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Disconnect tears down the named tunnel.
func (tm *TunnelManager) Disconnect(ctx context.Context, name string) error {
	u := fmt.Sprintf("http://%s/%s/tunnels/%s", tm.client.dummyHost, tm.client.version, url.PathEscape(name))
	return tm.doSimple(ctx, "DELETE", u)
}

// Cancel aborts the named tunnel's pending retry or in-flight attempt.
func (tm *TunnelManager) Cancel(ctx context.Context, name string) error {
	u := fmt.Sprintf("http://%s/%s/tunnels/%s/cancel", tm.client.dummyHost, tm.client.version, url.PathEscape(name))
	return tm.doSimple(ctx, "POST", u)
}

func (tm *TunnelManager) doSimple(ctx context.Context, method, u string) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := tm.client.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return successful(resp)
}
