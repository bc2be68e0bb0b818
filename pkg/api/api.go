package api

import (
	"fmt"

	"github.com/cordelane/tunneld/pkg/util"
)

// TunnelState is the lifecycle state of a managed tunnel.
type TunnelState string

const (
	StateDisconnected  TunnelState = "disconnected"
	StateConnecting    TunnelState = "connecting"
	StateConnected     TunnelState = "connected"
	StateRetrying      TunnelState = "retrying"
	StateWaiting       TunnelState = "waiting"
	StateDisconnecting TunnelState = "disconnecting"
	StateFailed        TunnelState = "failed"
)

// ErrorType classifies why a tunnel attempt failed.
type ErrorType string

const (
	ErrAuthenticationFailed ErrorType = "authenticationFailed"
	ErrNetworkUnreachable   ErrorType = "networkUnreachable"
	ErrTimeout              ErrorType = "timeout"
	ErrAlgorithmMismatch    ErrorType = "algorithmMismatch"
	ErrBindFailed           ErrorType = "bindFailed"
	ErrEndpointHostNotFound ErrorType = "endpointHostNotFound"
	ErrUnknown              ErrorType = "unknown"
)

// AuthMethod selects which field of AuthSpec carries the material.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthKey        AuthMethod = "key"
	AuthCredential AuthMethod = "credential"
)

// AuthSpec is the tagged auth material for one SSH hop. Exactly one of the
// material fields is meaningful, selected by Method: an inline password, an
// inline private key (optionally passphrase-protected, with an optional
// key-type hint), or a reference to an externally stored credential record
// whose sensitive fields are encrypted under the requesting user's data key.
type AuthSpec struct {
	Method       AuthMethod `json:"method"`
	Password     string     `json:"password,omitempty"`
	Key          string     `json:"key,omitempty"`
	Passphrase   string     `json:"passphrase,omitempty"`
	KeyType      string     `json:"keyType,omitempty"`
	CredentialID string     `json:"credentialId,omitempty"`
}

// EndpointSpec describes one SSH hop of a tunnel. Either the connection
// parameters are inline, or HostID references a host record in the
// configuration store and the stored parameters are resolved at connect
// time.
type EndpointSpec struct {
	HostID   string   `json:"hostId,omitempty"`
	Label    string   `json:"label,omitempty"`
	Address  string   `json:"address,omitempty"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Auth     AuthSpec `json:"auth"`
}

// TunnelSpec is the immutable request to establish one tunnel.
type TunnelSpec struct {
	Source          EndpointSpec `json:"source"`
	Endpoint        EndpointSpec `json:"endpoint"`
	SourcePort      int          `json:"sourcePort"`
	EndpointPort    int          `json:"endpointPort"`
	MaxRetries      int          `json:"maxRetries"`
	RetryIntervalMs int          `json:"retryIntervalMs"`
	AutoStart       bool         `json:"autoStart"`
	IsPinned        bool         `json:"isPinned"`
	// UserID identifies the authenticated user on whose behalf credential
	// references are decrypted.
	UserID string `json:"userId,omitempty"`
}

// TunnelName builds the unique tunnel key the UI correlates on:
// "{hostLabel}_{sourcePort}_{endpointPort}", where hostLabel falls back to
// "user@address" when the display label is empty.
func TunnelName(label, username, address string, sourcePort, endpointPort int) string {
	if label == "" {
		label = fmt.Sprintf("%s@%s", username, address)
	}
	return fmt.Sprintf("%s_%d_%d", label, sourcePort, endpointPort)
}

// Name derives the spec's tunnel name from its source hop and ports.
func (s *TunnelSpec) Name() string {
	return TunnelName(s.Source.Label, s.Source.Username, s.Source.Address, s.SourcePort, s.EndpointPort)
}

// Validate rejects specs that can never connect.
func (s *TunnelSpec) Validate() error {
	if err := util.ValidatePort(s.SourcePort); err != nil {
		return fmt.Errorf("invalid source port: %w", err)
	}
	if err := util.ValidatePort(s.EndpointPort); err != nil {
		return fmt.Errorf("invalid endpoint port: %w", err)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be non-negative")
	}
	if s.RetryIntervalMs <= 0 {
		return fmt.Errorf("retryIntervalMs must be positive")
	}
	for _, ep := range []struct {
		role string
		spec EndpointSpec
	}{{"source", s.Source}, {"endpoint", s.Endpoint}} {
		if ep.spec.HostID != "" {
			// Parameters come from the referenced host record at connect
			// time; existence is checked then.
			continue
		}
		if ep.spec.Address == "" {
			return fmt.Errorf("%s host address not specified", ep.role)
		}
		if ep.spec.Username == "" {
			return fmt.Errorf("%s username not specified", ep.role)
		}
		if err := util.ValidatePort(ep.spec.Port); err != nil {
			return fmt.Errorf("invalid %s SSH port: %w", ep.role, err)
		}
		switch ep.spec.Auth.Method {
		case AuthPassword:
			if ep.spec.Auth.Password == "" {
				return fmt.Errorf("%s auth: password not specified", ep.role)
			}
		case AuthKey:
			if ep.spec.Auth.Key == "" {
				return fmt.Errorf("%s auth: key not specified", ep.role)
			}
		case AuthCredential:
			if ep.spec.Auth.CredentialID == "" {
				return fmt.Errorf("%s auth: credential id not specified", ep.role)
			}
		default:
			return fmt.Errorf("%s auth: unknown method %q", ep.role, ep.spec.Auth.Method)
		}
	}
	return nil
}

// TunnelStatus is the read-only snapshot published by a supervisor.
type TunnelStatus struct {
	Name               string      `json:"name"`
	State              TunnelState `json:"state"`
	Reason             string      `json:"reason,omitempty"`
	ErrorType          ErrorType   `json:"errorType,omitempty"`
	RetryCount         int         `json:"retryCount"`
	MaxRetries         int         `json:"maxRetries"`
	NextRetryInSeconds int         `json:"nextRetryInSeconds,omitempty"`
	RetryExhausted     bool        `json:"retryExhausted"`
}

// ResultJSON is the success envelope for lifecycle operations.
type ResultJSON struct {
	Status string `json:"status"`
}

type ErrorJSON struct {
	Message string `json:"message"`
}
