// Package tunneld supervises SSH port-forwarding tunnels: per-tunnel state
// machines with bounded exponential-backoff retry, cancellation, and a
// queryable status model, behind a process-wide registry keyed by tunnel
// name.
package tunneld

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/cordelane/tunneld/pkg/api"
	"github.com/cordelane/tunneld/pkg/sshconn"
)

type connector func(ctx context.Context, clk clock.Clock, params sshconn.Params) (transport, error)

type binder func(source, endpoint transport, sourcePort int, endpointHost string, endpointPort int, log *logrus.Entry) (forwardHandle, error)

// DriverConfig wires a Driver's collaborators.
type DriverConfig struct {
	Hosts HostStore
	Keys  KeyAccess
	Clock clock.Clock

	// connector and binder are overridable for tests.
	connector connector
	binder    binder
}

// Driver is the tunnel registry: the only process-wide shared state of the
// tunnel subsystem. It maps tunnel names to their supervisors and guarantees
// at most one active lifecycle operation per name, with full concurrency
// across names.
type Driver struct {
	clock     clock.Clock
	connector connector
	binder    binder
	resolver  *resolver

	mu      sync.Mutex
	tunnels map[string]*supervisor
}

func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.connector == nil {
		cfg.connector = openSSH
	}
	if cfg.binder == nil {
		cfg.binder = func(source, endpoint transport, sourcePort int, endpointHost string, endpointPort int, log *logrus.Entry) (forwardHandle, error) {
			return bindForward(source, endpoint, sourcePort, endpointHost, endpointPort, log)
		}
	}
	return &Driver{
		clock:     cfg.Clock,
		connector: cfg.connector,
		binder:    cfg.binder,
		resolver:  &resolver{hosts: cfg.Hosts, keys: cfg.Keys},
		tunnels:   make(map[string]*supervisor),
	}
}

func openSSH(ctx context.Context, clk clock.Clock, params sshconn.Params) (transport, error) {
	return sshconn.Open(ctx, clk, params)
}

// Connect starts (or re-starts) the tunnel described by spec. Concurrent
// calls for the same name collapse onto one supervisor; at most one real
// attempt runs.
func (d *Driver) Connect(spec api.TunnelSpec) (api.TunnelStatus, error) {
	if err := spec.Validate(); err != nil {
		return api.TunnelStatus{}, fmt.Errorf("invalid tunnel spec: %w", err)
	}
	name, err := d.tunnelName(spec)
	if err != nil {
		return api.TunnelStatus{}, err
	}

	for {
		d.mu.Lock()
		s, ok := d.tunnels[name]
		if !ok {
			s = newSupervisor(d, name)
			d.tunnels[name] = s
		}
		d.mu.Unlock()

		st, err := s.connect(spec)
		if err == errSupervisorRemoved {
			continue
		}
		return st, err
	}
}

// Disconnect tears down the named tunnel and drops its registry entry.
// Unknown names are a no-op success.
func (d *Driver) Disconnect(name string) error {
	s := d.lookup(name)
	if s == nil {
		return nil
	}
	if err := s.disconnect(); err != nil {
		return err
	}
	d.removeIfDown(name, s)
	return nil
}

// Cancel aborts the named tunnel's in-flight attempt or pending retry and
// drops its registry entry. Unknown names are a no-op success.
func (d *Driver) Cancel(name string) error {
	s := d.lookup(name)
	if s == nil {
		return nil
	}
	if err := s.cancel(); err != nil {
		return err
	}
	d.removeIfDown(name, s)
	return nil
}

// ListTunnels snapshots all current statuses. It never blocks on network
// I/O; each status read takes only the supervisor's status lock briefly.
func (d *Driver) ListTunnels() map[string]api.TunnelStatus {
	d.mu.Lock()
	supervisors := make([]*supervisor, 0, len(d.tunnels))
	for _, s := range d.tunnels {
		supervisors = append(supervisors, s)
	}
	d.mu.Unlock()

	out := make(map[string]api.TunnelStatus, len(supervisors))
	for _, s := range supervisors {
		out[s.name] = s.status()
	}
	return out
}

// Status returns the named tunnel's status.
func (d *Driver) Status(name string) (api.TunnelStatus, bool) {
	s := d.lookup(name)
	if s == nil {
		return api.TunnelStatus{}, false
	}
	return s.status(), true
}

// Shutdown disconnects every tunnel. Statuses do not survive the process.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	supervisors := make([]*supervisor, 0, len(d.tunnels))
	for _, s := range d.tunnels {
		supervisors = append(supervisors, s)
	}
	d.tunnels = make(map[string]*supervisor)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range supervisors {
		wg.Add(1)
		go func(s *supervisor) {
			defer wg.Done()
			_ = s.disconnect()
		}(s)
	}
	wg.Wait()
}

// tunnelName derives the registry key. A source hop given by reference
// carries no inline identity, so the host record supplies the label and the
// user@address fallback; without it the key would collapse for every
// host-referenced spec.
func (d *Driver) tunnelName(spec api.TunnelSpec) (string, error) {
	src := spec.Source
	if src.HostID != "" && src.Address == "" {
		rec, err := d.resolver.hosts.Host(src.HostID)
		if err != nil {
			return "", fmt.Errorf("looking up host %s: %w", src.HostID, err)
		}
		if rec == nil {
			return "", fmt.Errorf("host %s: %w", src.HostID, ErrEndpointHostNotFound)
		}
		src.Label = rec.Label
		src.Username = rec.Username
		src.Address = rec.Address
	}
	return api.TunnelName(src.Label, src.Username, src.Address, spec.SourcePort, spec.EndpointPort), nil
}

func (d *Driver) lookup(name string) *supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tunnels[name]
}

// removeIfDown drops the registry entry once an explicit disconnect/cancel
// has completed. A supervisor still alive (e.g. cancel issued against a
// connected tunnel, which is a no-op) stays registered; Failed and
// Disconnected entries are cleared since the caller has acted on them.
func (d *Driver) removeIfDown(name string, s *supervisor) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	down := s.state == api.StateDisconnected || s.state == api.StateFailed
	if down {
		s.removed = true
	}
	s.mu.Unlock()
	if !down {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tunnels[name] == s {
		delete(d.tunnels, name)
	}
}
