package tunneld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordelane/tunneld/pkg/api"
	"github.com/cordelane/tunneld/pkg/keysession"
)

type memHostStore struct {
	hosts map[string]HostRecord
	creds map[string]Credential
}

func (s *memHostStore) Host(id string) (*HostRecord, error) {
	rec, ok := s.hosts[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memHostStore) Credential(id string) (*Credential, error) {
	rec, ok := s.creds[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

type fixedKeys struct {
	dek []byte
}

func (k *fixedKeys) GetUserDataKey(userID string) []byte {
	if k.dek == nil {
		return nil
	}
	return append([]byte(nil), k.dek...)
}

func inlineEndpoint() api.EndpointSpec {
	return api.EndpointSpec{
		Address:  "192.0.2.10",
		Port:     2222,
		Username: "deploy",
		Auth:     api.AuthSpec{Method: api.AuthPassword, Password: "pw"},
	}
}

func TestResolveInlinePassword(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{}}

	params, err := r.resolve(inlineEndpoint(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", params.Address)
	assert.Equal(t, 2222, params.Port)
	assert.Equal(t, "deploy", params.Username)
	assert.Equal(t, "pw", params.Password)
	assert.Nil(t, params.Key)
}

func TestResolveInlineKey(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{}}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: api.AuthKey, Key: "-----BEGIN KEY-----", Passphrase: "pp"}
	params, err := r.resolve(ep, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("-----BEGIN KEY-----"), params.Key)
	assert.Equal(t, "pp", params.Passphrase)
	assert.Empty(t, params.Password)
}

func TestResolveHostReference(t *testing.T) {
	r := &resolver{
		hosts: &memHostStore{hosts: map[string]HostRecord{
			"h1": {
				ID:       "h1",
				Label:    "prod-db",
				Address:  "db.internal",
				Port:     22,
				Username: "admin",
				Auth:     api.AuthSpec{Method: api.AuthPassword, Password: "dbpw"},
			},
		}},
		keys: &fixedKeys{},
	}

	params, err := r.resolve(api.EndpointSpec{HostID: "h1"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "db.internal", params.Address)
	assert.Equal(t, "admin", params.Username)
	assert.Equal(t, "dbpw", params.Password)
}

func TestResolveHostReferenceGone(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{}}

	_, err := r.resolve(api.EndpointSpec{HostID: "h1"}, "alice")
	assert.ErrorIs(t, err, ErrEndpointHostNotFound)
}

func TestResolveCredential(t *testing.T) {
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}
	encPW, err := keysession.EncryptField(dek, "secret-pw")
	require.NoError(t, err)
	encKey, err := keysession.EncryptField(dek, "-----BEGIN KEY-----")
	require.NoError(t, err)

	r := &resolver{
		hosts: &memHostStore{creds: map[string]Credential{
			"c1": {ID: "c1", Username: "svc", Password: encPW},
			"c2": {ID: "c2", Key: encKey},
		}},
		keys: &fixedKeys{dek: dek},
	}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: api.AuthCredential, CredentialID: "c1"}
	params, err := r.resolve(ep, "alice")
	require.NoError(t, err)
	assert.Equal(t, "svc", params.Username, "credential username overrides the endpoint's")
	assert.Equal(t, "secret-pw", params.Password)

	ep.Auth.CredentialID = "c2"
	params, err = r.resolve(ep, "alice")
	require.NoError(t, err)
	assert.Equal(t, "deploy", params.Username)
	assert.Equal(t, []byte("-----BEGIN KEY-----"), params.Key)
}

func TestResolveCredentialSessionLocked(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{}}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: api.AuthCredential, CredentialID: "c1"}
	_, err := r.resolve(ep, "alice")
	assert.ErrorIs(t, err, ErrSessionLocked)
}

func TestResolveCredentialGone(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{dek: make([]byte, 32)}}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: api.AuthCredential, CredentialID: "nope"}
	_, err := r.resolve(ep, "alice")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestResolveCredentialWrongKey(t *testing.T) {
	dek := make([]byte, 32)
	encPW, err := keysession.EncryptField(dek, "secret-pw")
	require.NoError(t, err)

	other := make([]byte, 32)
	other[0] = 1
	r := &resolver{
		hosts: &memHostStore{creds: map[string]Credential{
			"c1": {ID: "c1", Password: encPW},
		}},
		keys: &fixedKeys{dek: other},
	}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: api.AuthCredential, CredentialID: "c1"}
	_, err = r.resolve(ep, "alice")
	assert.Error(t, err)
}

func TestResolveUnknownMethod(t *testing.T) {
	r := &resolver{hosts: &memHostStore{}, keys: &fixedKeys{}}

	ep := inlineEndpoint()
	ep.Auth = api.AuthSpec{Method: "kerberos"}
	_, err := r.resolve(ep, "alice")
	assert.Error(t, err)
}
