package tunneld

import (
	"fmt"

	"github.com/cordelane/tunneld/pkg/api"
	"github.com/cordelane/tunneld/pkg/keysession"
	"github.com/cordelane/tunneld/pkg/sshconn"
)

// HostRecord is a host entry in the external configuration store.
type HostRecord struct {
	ID       string       `json:"id"`
	Label    string       `json:"label,omitempty"`
	Address  string       `json:"address"`
	Port     int          `json:"port"`
	Username string       `json:"username"`
	Auth     api.AuthSpec `json:"auth"`
}

// Credential is a stored credential record. Sensitive fields (Password, Key,
// Passphrase) are encrypted under the owning user's data key in the
// keysession field format.
type Credential struct {
	ID         string `json:"id"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	KeyType    string `json:"keyType,omitempty"`
}

// HostStore is the external configuration store collaborator.
type HostStore interface {
	// Host returns the record for id, or nil when it no longer exists.
	Host(id string) (*HostRecord, error)
	// Credential returns the record for id, or nil when it no longer exists.
	Credential(id string) (*Credential, error)
}

// KeyAccess is the slice of the key-session manager the resolver needs.
type KeyAccess interface {
	GetUserDataKey(userID string) []byte
}

// resolver turns an endpoint's configured identity references into concrete
// SSH auth material. Decrypted secrets go straight into the returned Params
// and are never logged or cached.
type resolver struct {
	hosts HostStore
	keys  KeyAccess
}

func (r *resolver) resolve(ep api.EndpointSpec, userID string) (sshconn.Params, error) {
	if ep.HostID != "" && ep.Address == "" {
		rec, err := r.hosts.Host(ep.HostID)
		if err != nil {
			return sshconn.Params{}, fmt.Errorf("looking up host %s: %w", ep.HostID, err)
		}
		if rec == nil {
			return sshconn.Params{}, fmt.Errorf("host %s: %w", ep.HostID, ErrEndpointHostNotFound)
		}
		ep.Label = rec.Label
		ep.Address = rec.Address
		ep.Port = rec.Port
		ep.Username = rec.Username
		ep.Auth = rec.Auth
	}

	params := sshconn.Params{
		Address:  ep.Address,
		Port:     ep.Port,
		Username: ep.Username,
	}

	switch ep.Auth.Method {
	case api.AuthPassword:
		params.Password = ep.Auth.Password
	case api.AuthKey:
		params.Key = []byte(ep.Auth.Key)
		params.Passphrase = ep.Auth.Passphrase
	case api.AuthCredential:
		if err := r.applyCredential(&params, ep.Auth.CredentialID, userID); err != nil {
			return sshconn.Params{}, err
		}
	default:
		return sshconn.Params{}, fmt.Errorf("unknown auth method %q", ep.Auth.Method)
	}
	return params, nil
}

func (r *resolver) applyCredential(params *sshconn.Params, credentialID, userID string) error {
	dek := r.keys.GetUserDataKey(userID)
	if dek == nil {
		return ErrSessionLocked
	}
	defer keysession.Zero(dek)

	cred, err := r.hosts.Credential(credentialID)
	if err != nil {
		return fmt.Errorf("looking up credential %s: %w", credentialID, err)
	}
	if cred == nil {
		return fmt.Errorf("credential %s: %w", credentialID, ErrCredentialNotFound)
	}

	if cred.Username != "" {
		params.Username = cred.Username
	}
	if cred.Password != "" {
		pw, err := keysession.DecryptField(dek, cred.Password)
		if err != nil {
			return fmt.Errorf("decrypting credential %s: %w", credentialID, err)
		}
		params.Password = pw
	}
	if cred.Key != "" {
		key, err := keysession.DecryptField(dek, cred.Key)
		if err != nil {
			return fmt.Errorf("decrypting credential %s: %w", credentialID, err)
		}
		params.Key = []byte(key)
	}
	if cred.Passphrase != "" {
		pp, err := keysession.DecryptField(dek, cred.Passphrase)
		if err != nil {
			return fmt.Errorf("decrypting credential %s: %w", credentialID, err)
		}
		params.Passphrase = pp
	}
	return nil
}
