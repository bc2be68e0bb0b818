package tunneld

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/cordelane/tunneld/pkg/api"
)

var (
	// ErrSessionLocked means the requesting user has no unlocked key
	// session, so credential records cannot be decrypted.
	ErrSessionLocked = errors.New("user data key unavailable: session locked")

	// ErrCredentialNotFound means a referenced credential record is gone.
	ErrCredentialNotFound = errors.New("credential record not found")

	// ErrEndpointHostNotFound means a referenced host record no longer
	// exists in the configuration store.
	ErrEndpointHostNotFound = errors.New("endpoint host not found")

	// errTransportDropped marks an established SSH transport dying under a
	// connected tunnel.
	errTransportDropped = errors.New("ssh connection dropped")

	// errSupervisorRemoved signals that a supervisor lost its registry
	// entry between lookup and operation; the registry retries.
	errSupervisorRemoved = errors.New("supervisor removed from registry")
)

// BindError wraps failures to bind the forwarded listener on the source hop.
type BindError struct {
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind forwarded port: %v", e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// classify maps an attempt failure onto the wire error taxonomy. The
// classification is advisory UI material; every type feeds the same retry
// budget.
func classify(err error) api.ErrorType {
	var bindErr *BindError
	switch {
	case errors.Is(err, ErrEndpointHostNotFound):
		return api.ErrEndpointHostNotFound
	case errors.As(err, &bindErr):
		return api.ErrBindFailed
	case errors.Is(err, context.DeadlineExceeded):
		return api.ErrTimeout
	case errors.Is(err, errTransportDropped):
		return api.ErrNetworkUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return api.ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "decryption password incorrect"),
		strings.Contains(msg, "parse private key"):
		return api.ErrAuthenticationFailed
	case strings.Contains(msg, "no common algorithm"),
		strings.Contains(msg, "algorithm negotiation failed"):
		return api.ErrAlgorithmMismatch
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"):
		return api.ErrNetworkUnreachable
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return api.ErrTimeout
	}
	return api.ErrUnknown
}
