// Package keysession holds per-user data-encryption keys in memory for the
// lifetime of an authenticated session.
//
// Envelope scheme: a KEK derived from the user's password (or, for OIDC
// users, from a system-wide secret) wraps a random per-user DEK. The DEK is
// persisted only in wrapped form; the plaintext DEK lives in this package's
// session map between login and expiry, and is wiped on every eviction path.
package keysession

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultSessionDuration = 8 * time.Hour
	DefaultSweepInterval   = 5 * time.Minute
)

// dummySalt keeps the authentication failure path for unknown users the same
// shape as for known users: a full KDF run happens either way, so a caller
// cannot tell a missing record from a wrong password by timing.
var dummySalt = KEKSalt{
	Salt:          "00000000000000000000000000000000",
	KDFIterations: kdfIterations,
	KDFAlgorithm:  kdfAlgorithm,
}

// Store persists per-user key records. Implementations are external; the
// manager only reads and writes the two record shapes.
type Store interface {
	// UserKeys returns the stored records for userID, or (nil, nil, nil)
	// when the user has none.
	UserKeys(userID string) (*KEKSalt, *EncryptedDEK, error)
	SaveUserKeys(userID string, salt KEKSalt, dek EncryptedDEK) error
}

// Config wires a Manager's collaborators.
type Config struct {
	Store Store
	Clock clock.Clock
	// SystemSecret seeds KEK derivation for OIDC users, who have no
	// password of their own.
	SystemSecret []byte
	// OnEvict is invoked (own goroutine, after the session is gone) each
	// time a session is evicted, so the auth layer can revoke tokens.
	OnEvict func(userID string)

	IdleTimeout     time.Duration
	SessionDuration time.Duration
	SweepInterval   time.Duration
}

type session struct {
	dek          []byte
	lastActivity time.Time
	expiresAt    time.Time
}

// Manager owns the in-memory session map. All access goes through its
// methods; an access and a background sweep never interleave on one entry.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		cfg:       cfg,
		sessions:  make(map[string]*session),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep and wipes every live session.
func (m *Manager) Close() {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	evicted := m.evictAllLocked()
	m.mu.Unlock()
	m.notifyEvicted(evicted)
}

// SetupUserEncryption provisions key records for a new password user: fresh
// salt, KEK derived from the password, fresh random DEK wrapped under the
// KEK. No session is created; the user authenticates afterwards.
func (m *Manager) SetupUserEncryption(userID, password string) error {
	now := m.cfg.Clock.Now()
	salt, err := newSalt(now)
	if err != nil {
		return err
	}
	kek, err := deriveKEK([]byte(password), salt)
	if err != nil {
		return err
	}
	defer Zero(kek)
	dek, err := newDEK()
	if err != nil {
		return err
	}
	defer Zero(dek)
	wrapped, err := wrapDEK(kek, dek, now)
	if err != nil {
		return err
	}
	return m.cfg.Store.SaveUserKeys(userID, salt, wrapped)
}

// SetupOIDCUser provisions key records for an OIDC user, whose KEK is
// derived from the system secret rather than a password.
func (m *Manager) SetupOIDCUser(userID string) error {
	dek, err := m.provisionOIDC(userID)
	if err != nil {
		return err
	}
	Zero(dek)
	return nil
}

// AuthenticateUser re-derives the KEK from the supplied password and tries
// to unwrap the stored DEK. On success a fresh session replaces (and wipes)
// any existing one. Wrong password, missing records and corrupt records all
// return false through the same derive-and-fail path.
func (m *Manager) AuthenticateUser(userID, password string) bool {
	salt, wrapped, err := m.cfg.Store.UserKeys(userID)
	if err != nil || salt == nil || wrapped == nil {
		// Burn the same KDF cost as the real path.
		if kek, derr := deriveKEK([]byte(password), dummySalt); derr == nil {
			Zero(kek)
		}
		return false
	}
	kek, err := deriveKEK([]byte(password), *salt)
	if err != nil {
		return false
	}
	defer Zero(kek)
	dek, err := unwrapDEK(kek, *wrapped)
	if err != nil {
		return false
	}
	m.startSession(userID, dek)
	return true
}

// AuthenticateOIDCUser unlocks an OIDC user. There is no password to get
// wrong: missing or un-unwrappable records are re-provisioned from scratch,
// so the only failure mode is the store itself.
func (m *Manager) AuthenticateOIDCUser(userID string) bool {
	salt, wrapped, err := m.cfg.Store.UserKeys(userID)
	if err != nil {
		return false
	}
	if salt != nil && wrapped != nil {
		kek, err := m.deriveOIDCKEK(userID, *salt)
		if err == nil {
			dek, uerr := unwrapDEK(kek, *wrapped)
			Zero(kek)
			if uerr == nil {
				m.startSession(userID, dek)
				return true
			}
		}
		logrus.WithFields(logrus.Fields{"user": userID}).
			Warn("stored OIDC key records unusable, re-provisioning")
	}
	dek, err := m.provisionOIDC(userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"user": userID, "error": err}).
			Error("failed to provision OIDC user encryption")
		return false
	}
	m.startSession(userID, dek)
	return true
}

// GetUserDataKey returns a copy of the user's DEK if the session is alive,
// refreshing its idle clock. An expired session is wiped on the spot and nil
// is returned.
func (m *Manager) GetUserDataKey(userID string) []byte {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if m.expiredLocked(s, now) {
		m.evictLocked(userID)
		m.mu.Unlock()
		m.notifyEvicted([]string{userID})
		return nil
	}
	s.lastActivity = now
	out := make([]byte, len(s.dek))
	copy(out, s.dek)
	m.mu.Unlock()
	return out
}

// IsUserUnlocked reports whether a live session exists without refreshing
// its idle clock.
func (m *Manager) IsUserUnlocked(userID string) bool {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok && m.expiredLocked(s, now) {
		m.evictLocked(userID)
		m.mu.Unlock()
		m.notifyEvicted([]string{userID})
		return false
	}
	m.mu.Unlock()
	return ok
}

// LogoutUser wipes the user's session if one exists.
func (m *Manager) LogoutUser(userID string) {
	m.mu.Lock()
	_, ok := m.sessions[userID]
	if ok {
		m.evictLocked(userID)
	}
	m.mu.Unlock()
	if ok {
		m.notifyEvicted([]string{userID})
	}
}

// ChangeUserPassword validates the old password, re-wraps the DEK under a
// freshly salted KEK derived from the new password, persists the new
// records, and invalidates the in-memory session so the user must log in
// again.
func (m *Manager) ChangeUserPassword(userID, oldPassword, newPassword string) bool {
	salt, wrapped, err := m.cfg.Store.UserKeys(userID)
	if err != nil || salt == nil || wrapped == nil {
		if kek, derr := deriveKEK([]byte(oldPassword), dummySalt); derr == nil {
			Zero(kek)
		}
		return false
	}
	oldKEK, err := deriveKEK([]byte(oldPassword), *salt)
	if err != nil {
		return false
	}
	defer Zero(oldKEK)
	dek, err := unwrapDEK(oldKEK, *wrapped)
	if err != nil {
		return false
	}
	defer Zero(dek)

	now := m.cfg.Clock.Now()
	newSalt, err := newSalt(now)
	if err != nil {
		return false
	}
	newKEK, err := deriveKEK([]byte(newPassword), newSalt)
	if err != nil {
		return false
	}
	defer Zero(newKEK)
	rewrapped, err := wrapDEK(newKEK, dek, now)
	if err != nil {
		return false
	}
	if err := m.cfg.Store.SaveUserKeys(userID, newSalt, rewrapped); err != nil {
		logrus.WithFields(logrus.Fields{"user": userID, "error": err}).
			Error("failed to persist rotated key records")
		return false
	}

	m.LogoutUser(userID)
	return true
}

// startSession installs dek as the user's session key, wiping any prior
// session for the same user. Ownership of dek transfers to the manager.
func (m *Manager) startSession(userID string, dek []byte) {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	if prev, ok := m.sessions[userID]; ok {
		Zero(prev.dek)
	}
	m.sessions[userID] = &session{
		dek:          dek,
		lastActivity: now,
		expiresAt:    now.Add(m.cfg.SessionDuration),
	}
	m.mu.Unlock()
}

func (m *Manager) expiredLocked(s *session, now time.Time) bool {
	return now.Sub(s.lastActivity) > m.cfg.IdleTimeout || now.After(s.expiresAt)
}

func (m *Manager) evictLocked(userID string) {
	s := m.sessions[userID]
	Zero(s.dek)
	delete(m.sessions, userID)
}

func (m *Manager) evictAllLocked() []string {
	evicted := make([]string, 0, len(m.sessions))
	for userID, s := range m.sessions {
		Zero(s.dek)
		delete(m.sessions, userID)
		evicted = append(evicted, userID)
	}
	return evicted
}

func (m *Manager) notifyEvicted(userIDs []string) {
	if m.cfg.OnEvict == nil {
		return
	}
	for _, userID := range userIDs {
		go m.cfg.OnEvict(userID)
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	for {
		select {
		case <-m.stopSweep:
			return
		case <-m.cfg.Clock.After(m.cfg.SweepInterval):
		}
		now := m.cfg.Clock.Now()

		m.mu.Lock()
		var evicted []string
		for userID, s := range m.sessions {
			if m.expiredLocked(s, now) {
				m.evictLocked(userID)
				evicted = append(evicted, userID)
			}
		}
		m.mu.Unlock()

		if len(evicted) > 0 {
			logrus.WithFields(logrus.Fields{"count": len(evicted)}).
				Debug("swept expired key sessions")
			m.notifyEvicted(evicted)
		}
	}
}

func (m *Manager) deriveOIDCKEK(userID string, salt KEKSalt) ([]byte, error) {
	if len(m.cfg.SystemSecret) == 0 {
		return nil, fmt.Errorf("no system secret configured")
	}
	mac := hmac.New(sha256.New, m.cfg.SystemSecret)
	mac.Write([]byte("oidc-user:" + userID))
	seed := mac.Sum(nil)
	defer Zero(seed)
	return deriveKEK(seed, salt)
}

func (m *Manager) provisionOIDC(userID string) ([]byte, error) {
	now := m.cfg.Clock.Now()
	salt, err := newSalt(now)
	if err != nil {
		return nil, err
	}
	kek, err := m.deriveOIDCKEK(userID, salt)
	if err != nil {
		return nil, err
	}
	defer Zero(kek)
	dek, err := newDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapDEK(kek, dek, now)
	if err != nil {
		Zero(dek)
		return nil, err
	}
	if err := m.cfg.Store.SaveUserKeys(userID, salt, wrapped); err != nil {
		Zero(dek)
		return nil, err
	}
	return dek, nil
}
