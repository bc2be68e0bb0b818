package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordelane/tunneld/pkg/api"
	"github.com/cordelane/tunneld/pkg/api/daemon/router"
)

type stubDriver struct {
	statuses     map[string]api.TunnelStatus
	disconnected []string
	cancelled    []string
}

func (s *stubDriver) Connect(spec api.TunnelSpec) (api.TunnelStatus, error) {
	if err := spec.Validate(); err != nil {
		return api.TunnelStatus{}, err
	}
	return api.TunnelStatus{Name: spec.Name(), State: api.StateConnecting, MaxRetries: spec.MaxRetries}, nil
}

func (s *stubDriver) Disconnect(name string) error {
	s.disconnected = append(s.disconnected, name)
	return nil
}

func (s *stubDriver) Cancel(name string) error {
	s.cancelled = append(s.cancelled, name)
	return nil
}

func (s *stubDriver) ListTunnels() map[string]api.TunnelStatus {
	return s.statuses
}

func newTestClient(t *testing.T, driver *stubDriver) Client {
	t.Helper()
	r := mux.NewRouter()
	router.AddRoutes(r, &router.Backend{TunnelDriver: driver})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	// Route the client's dummy host to the test server, the same way the
	// production constructor routes it to the unix socket.
	addr := srv.Listener.Addr().String()
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", addr)
			},
		},
	}
	return NewWithHTTPClient(hc)
}

func validSpec() api.TunnelSpec {
	return api.TunnelSpec{
		Source: api.EndpointSpec{
			Label:    "web",
			Address:  "192.0.2.1",
			Port:     22,
			Username: "root",
			Auth:     api.AuthSpec{Method: api.AuthPassword, Password: "pw"},
		},
		Endpoint: api.EndpointSpec{
			Address:  "192.0.2.2",
			Port:     22,
			Username: "root",
			Auth:     api.AuthSpec{Method: api.AuthPassword, Password: "pw"},
		},
		SourcePort:      8080,
		EndpointPort:    80,
		MaxRetries:      3,
		RetryIntervalMs: 1000,
	}
}

func TestTunnelManagerConnect(t *testing.T) {
	c := newTestClient(t, &stubDriver{})

	st, err := c.TunnelManager().Connect(context.TODO(), validSpec())
	require.NoError(t, err)
	assert.Equal(t, "web_8080_80", st.Name)
	assert.Equal(t, api.StateConnecting, st.State)
	assert.Equal(t, 3, st.MaxRetries)
}

func TestTunnelManagerConnectInvalid(t *testing.T) {
	c := newTestClient(t, &stubDriver{})

	spec := validSpec()
	spec.SourcePort = 0
	_, err := c.TunnelManager().Connect(context.TODO(), spec)
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "port")
}

func TestTunnelManagerStatuses(t *testing.T) {
	driver := &stubDriver{statuses: map[string]api.TunnelStatus{
		"web_8080_80": {Name: "web_8080_80", State: api.StateWaiting, RetryCount: 2, NextRetryInSeconds: 4},
	}}
	c := newTestClient(t, driver)

	statuses, err := c.TunnelManager().Statuses(context.TODO())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	st := statuses["web_8080_80"]
	assert.Equal(t, api.StateWaiting, st.State)
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, 4, st.NextRetryInSeconds)
}

func TestTunnelManagerDisconnectAndCancel(t *testing.T) {
	driver := &stubDriver{}
	c := newTestClient(t, driver)

	require.NoError(t, c.TunnelManager().Disconnect(context.TODO(), "web_8080_80"))
	require.NoError(t, c.TunnelManager().Cancel(context.TODO(), "root@192.0.2.1_8080_80"))
	assert.Equal(t, []string{"web_8080_80"}, driver.disconnected)
	assert.Equal(t, []string{"root@192.0.2.1_8080_80"}, driver.cancelled)
}

func TestHTTPStatusErrorMessage(t *testing.T) {
	e := &HTTPStatusError{StatusCode: 400, Body: `{"message":"tunnel not found"}`}
	assert.Equal(t, "tunnel not found", e.Error())

	e = &HTTPStatusError{StatusCode: 500, Body: "boom"}
	assert.Contains(t, e.Error(), "boom")
}
