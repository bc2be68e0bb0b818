// Package store is a file-backed implementation of the daemon's storage
// collaborators: per-user key records for the key-session manager and
// host/credential records for tunnel resolution. The production deployment
// fronts a real database; this keeps a standalone daemon runnable.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cordelane/tunneld/pkg/keysession"
	"github.com/cordelane/tunneld/pkg/tunneld"
)

type userKeys struct {
	Salt *keysession.KEKSalt      `json:"salt,omitempty"`
	DEK  *keysession.EncryptedDEK `json:"dek,omitempty"`
}

type fileData struct {
	Users       map[string]userKeys           `json:"users"`
	Hosts       map[string]tunneld.HostRecord `json:"hosts"`
	Credentials map[string]tunneld.Credential `json:"credentials"`
}

// FileStore satisfies keysession.Store and tunneld.HostStore over a single
// JSON file.
type FileStore struct {
	path string

	mu   sync.Mutex
	data fileData
}

// Open loads the store at path, creating an empty one if absent.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileData{
			Users:       make(map[string]userKeys),
			Hosts:       make(map[string]tunneld.HostRecord),
			Credentials: make(map[string]tunneld.Credential),
		},
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("parsing store file %s: %w", path, err)
	}
	if s.data.Users == nil {
		s.data.Users = make(map[string]userKeys)
	}
	if s.data.Hosts == nil {
		s.data.Hosts = make(map[string]tunneld.HostRecord)
	}
	if s.data.Credentials == nil {
		s.data.Credentials = make(map[string]tunneld.Credential)
	}
	return s, nil
}

// UserKeys implements keysession.Store.
func (s *FileStore) UserKeys(userID string) (*keysession.KEKSalt, *keysession.EncryptedDEK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.Users[userID]
	if !ok {
		return nil, nil, nil
	}
	return u.Salt, u.DEK, nil
}

// SaveUserKeys implements keysession.Store.
func (s *FileStore) SaveUserKeys(userID string, salt keysession.KEKSalt, dek keysession.EncryptedDEK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Users[userID] = userKeys{Salt: &salt, DEK: &dek}
	return s.persistLocked()
}

// Host implements tunneld.HostStore.
func (s *FileStore) Host(id string) (*tunneld.HostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Hosts[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Credential implements tunneld.HostStore.
func (s *FileStore) Credential(id string) (*tunneld.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Credentials[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// SaveHost upserts a host record.
func (s *FileStore) SaveHost(rec tunneld.HostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Hosts[rec.ID] = rec
	return s.persistLocked()
}

// SaveCredential upserts a credential record. Sensitive fields must already
// be encrypted under the owning user's data key.
func (s *FileStore) SaveCredential(rec tunneld.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Credentials[rec.ID] = rec
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
