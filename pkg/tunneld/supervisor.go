package tunneld

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cordelane/tunneld/pkg/api"
)

// maxBackoffDelay caps exponential backoff growth.
const maxBackoffDelay = 5 * time.Minute

// supervisor owns one tunnel's connect/retry/disconnect lifecycle.
//
// opMu serializes lifecycle operations (connect, disconnect, cancel) for
// this tunnel name. mu guards the published status and the runtime handles;
// it is never held across network I/O. The run goroutine drives attempts and
// backoff; cancellation flows through its context, and whoever cancels the
// context owns the final state transition and the teardown of any published
// handles.
type supervisor struct {
	d    *Driver
	name string
	log  *logrus.Entry

	opMu sync.Mutex

	mu             sync.Mutex
	removed        bool
	spec           api.TunnelSpec
	state          api.TunnelState
	reason         string
	errorType      api.ErrorType
	retryCount     int
	retryExhausted bool
	nextRetryAt    time.Time

	cancelRun context.CancelFunc
	runDone   chan struct{}
	source    transport
	endpoint  transport
	handle    forwardHandle
}

func newSupervisor(d *Driver, name string) *supervisor {
	return &supervisor{
		d:     d,
		name:  name,
		log:   logrus.WithFields(logrus.Fields{"tunnel": name}),
		state: api.StateDisconnected,
	}
}

// connect starts the connect/retry cycle for spec. Re-issuing while an
// earlier cycle is still alive is a safe no-op returning the current status.
func (s *supervisor) connect(spec api.TunnelSpec) (api.TunnelStatus, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.removed {
		// Unregistered by a concurrent disconnect/cancel; the caller
		// re-resolves a fresh supervisor from the registry.
		s.mu.Unlock()
		return api.TunnelStatus{}, errSupervisorRemoved
	}
	switch s.state {
	case api.StateDisconnected, api.StateFailed:
	default:
		st := s.statusLocked()
		s.mu.Unlock()
		return st, nil
	}
	s.spec = spec
	s.state = api.StateConnecting
	s.reason = ""
	s.errorType = ""
	s.retryCount = 0
	s.retryExhausted = false
	s.nextRetryAt = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	runDone := make(chan struct{})
	s.runDone = runDone
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("connecting tunnel")
	go s.run(ctx, runDone)
	return st, nil
}

// disconnect tears the tunnel down. Unknown and already-down tunnels are a
// no-op success.
func (s *supervisor) disconnect() error {
	return s.stop("tunnel disconnected", api.StateConnecting, api.StateConnected,
		api.StateRetrying, api.StateWaiting)
}

// cancel aborts an in-flight attempt or a pending backoff wait. It does not
// count as a failure and is a no-op outside those states.
func (s *supervisor) cancel() error {
	return s.stop("tunnel cancelled", api.StateConnecting, api.StateRetrying,
		api.StateWaiting)
}

func (s *supervisor) stop(logMsg string, from ...api.TunnelState) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stoppable := false
	for _, st := range from {
		if s.state == st {
			stoppable = true
			break
		}
	}
	if !stoppable {
		s.mu.Unlock()
		return nil
	}
	s.state = api.StateDisconnecting
	cancel := s.cancelRun
	runDone := s.runDone
	s.mu.Unlock()

	// Stop the run goroutine before touching handles so a mid-attempt
	// publish cannot race the teardown.
	if cancel != nil {
		cancel()
	}
	if runDone != nil {
		<-runDone
	}
	s.teardown()

	s.mu.Lock()
	s.state = api.StateDisconnected
	s.reason = ""
	s.errorType = ""
	s.retryCount = 0
	s.retryExhausted = false
	s.nextRetryAt = time.Time{}
	s.mu.Unlock()

	s.log.Info(logMsg)
	return nil
}

// run drives connect attempts and backoff until success holds, retries are
// exhausted, or the context is cancelled. On cancellation it exits without
// touching state; the canceller owns the final transition.
func (s *supervisor) run(ctx context.Context, runDone chan struct{}) {
	defer close(runDone)
	for {
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		errType := classify(err)
		s.mu.Lock()
		s.retryCount++
		s.reason = err.Error()
		s.errorType = errType
		retryCount := s.retryCount
		maxRetries := s.spec.MaxRetries
		if retryCount > maxRetries {
			s.state = api.StateFailed
			s.retryExhausted = true
			s.mu.Unlock()
			s.log.WithFields(logrus.Fields{
				"attempts":  retryCount,
				"errorType": errType,
				"error":     err,
			}).Error("tunnel failed, retries exhausted")
			return
		}
		s.state = api.StateRetrying
		base := time.Duration(s.spec.RetryIntervalMs) * time.Millisecond
		s.mu.Unlock()

		delay := backoffDelay(base, retryCount)
		s.log.WithFields(logrus.Fields{
			"attempt":    retryCount,
			"maxRetries": maxRetries,
			"delay":      delay,
			"errorType":  errType,
			"error":      err,
		}).Warn("tunnel attempt failed, retrying")

		s.mu.Lock()
		s.state = api.StateWaiting
		s.nextRetryAt = s.d.clock.Now().Add(delay)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.d.clock.After(delay):
		}
	}
}

// attempt performs one full connect: resolve both hops, open both SSH
// transports, bind the forward. On success it publishes Connected and blocks
// until a transport dies or the context is cancelled.
func (s *supervisor) attempt(ctx context.Context) error {
	s.mu.Lock()
	s.state = api.StateConnecting
	s.nextRetryAt = time.Time{}
	spec := s.spec
	s.mu.Unlock()

	sourceParams, err := s.d.resolver.resolve(spec.Source, spec.UserID)
	if err != nil {
		return fmt.Errorf("resolving source host: %w", err)
	}
	endpointParams, err := s.d.resolver.resolve(spec.Endpoint, spec.UserID)
	if err != nil {
		return fmt.Errorf("resolving endpoint host: %w", err)
	}

	source, err := s.d.connector(ctx, s.d.clock, sourceParams)
	if err != nil {
		return fmt.Errorf("source connection: %w", err)
	}
	endpoint, err := s.d.connector(ctx, s.d.clock, endpointParams)
	if err != nil {
		source.Close()
		return fmt.Errorf("endpoint connection: %w", err)
	}
	handle, err := s.d.binder(source, endpoint, spec.SourcePort, endpointParams.Address, spec.EndpointPort, s.log)
	if err != nil {
		endpoint.Close()
		source.Close()
		return err
	}

	s.mu.Lock()
	s.source = source
	s.endpoint = endpoint
	s.handle = handle
	s.state = api.StateConnected
	s.reason = ""
	s.errorType = ""
	s.retryCount = 0
	s.retryExhausted = false
	s.mu.Unlock()
	s.log.Info("tunnel connected")

	select {
	case <-ctx.Done():
	case <-source.Done():
	case <-endpoint.Done():
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.log.Warn("ssh connection dropped")
	s.teardown()
	return errTransportDropped
}

// teardown closes published handles: the forwarded listener first, so no new
// client connections are accepted, then the SSH transports.
func (s *supervisor) teardown() {
	s.mu.Lock()
	handle := s.handle
	source := s.source
	endpoint := s.endpoint
	s.handle = nil
	s.source = nil
	s.endpoint = nil
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	if source != nil {
		source.Close()
	}
	if endpoint != nil {
		endpoint.Close()
	}
}

func (s *supervisor) status() api.TunnelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *supervisor) statusLocked() api.TunnelStatus {
	st := api.TunnelStatus{
		Name:           s.name,
		State:          s.state,
		Reason:         s.reason,
		ErrorType:      s.errorType,
		RetryCount:     s.retryCount,
		MaxRetries:     s.spec.MaxRetries,
		RetryExhausted: s.retryExhausted,
	}
	if s.state == api.StateWaiting {
		secs := int(math.Ceil(s.nextRetryAt.Sub(s.d.clock.Now()).Seconds()))
		if secs < 0 {
			secs = 0
		}
		st.NextRetryInSeconds = secs
	}
	return st
}

// backoffDelay is base * 2^(attempt-1), capped at maxBackoffDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	if d > maxBackoffDelay {
		return maxBackoffDelay
	}
	return d
}
