package keysession

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	salts map[string]KEKSalt
	deks  map[string]EncryptedDEK
}

func newMemStore() *memStore {
	return &memStore{
		salts: make(map[string]KEKSalt),
		deks:  make(map[string]EncryptedDEK),
	}
}

func (s *memStore) UserKeys(userID string) (*KEKSalt, *EncryptedDEK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	salt, ok := s.salts[userID]
	if !ok {
		return nil, nil, nil
	}
	dek := s.deks[userID]
	return &salt, &dek, nil
}

func (s *memStore) SaveUserKeys(userID string, salt KEKSalt, dek EncryptedDEK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salts[userID] = salt
	s.deks[userID] = dek
	return nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if cfg.Store == nil {
		cfg.Store = newMemStore()
	}
	cfg.Clock = clk
	if cfg.SweepInterval == 0 {
		// Keep the sweeper quiet unless a test drives it explicitly.
		cfg.SweepInterval = 240 * time.Hour
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m, clk
}

func TestAuthenticateRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "correct horse"))

	require.True(t, m.AuthenticateUser("alice", "correct horse"))
	dek := m.GetUserDataKey("alice")
	require.NotNil(t, dek)
	assert.Len(t, dek, dekSize)

	// Same session, same key.
	again := m.GetUserDataKey("alice")
	assert.Equal(t, dek, again)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "correct horse"))

	assert.False(t, m.AuthenticateUser("alice", "battery staple"))
	assert.False(t, m.IsUserUnlocked("alice"))
	assert.Nil(t, m.GetUserDataKey("alice"))
}

func TestAuthenticateUnknownUser(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	assert.False(t, m.AuthenticateUser("nobody", "whatever"))
}

func TestReloginOverwritesSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))

	m.mu.Lock()
	firstDEK := m.sessions["alice"].dek
	m.mu.Unlock()

	require.True(t, m.AuthenticateUser("alice", "pw"))
	assert.Equal(t, make([]byte, dekSize), firstDEK, "prior session key must be wiped on overwrite")
	assert.NotNil(t, m.GetUserDataKey("alice"))
}

func TestIdleExpiryZeroesKey(t *testing.T) {
	evicted := make(chan string, 1)
	m, clk := newTestManager(t, Config{
		IdleTimeout: 30 * time.Minute,
		OnEvict:     func(userID string) { evicted <- userID },
	})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))

	m.mu.Lock()
	raw := m.sessions["alice"].dek
	m.mu.Unlock()

	clk.Advance(31 * time.Minute)

	assert.Nil(t, m.GetUserDataKey("alice"))
	assert.Equal(t, make([]byte, dekSize), raw, "evicted key must be zeroed")

	select {
	case userID := <-evicted:
		assert.Equal(t, "alice", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction callback not invoked")
	}
}

func TestAccessRefreshesIdleClock(t *testing.T) {
	m, clk := newTestManager(t, Config{
		IdleTimeout:     30 * time.Minute,
		SessionDuration: 8 * time.Hour,
	})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))

	for i := 0; i < 4; i++ {
		clk.Advance(20 * time.Minute)
		require.NotNil(t, m.GetUserDataKey("alice"), "access %d", i)
	}
}

func TestAbsoluteExpiry(t *testing.T) {
	m, clk := newTestManager(t, Config{
		IdleTimeout:     30 * time.Minute,
		SessionDuration: time.Hour,
	})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))

	// Keep touching the session; the absolute deadline must win anyway.
	for i := 0; i < 3; i++ {
		clk.Advance(20 * time.Minute)
		m.GetUserDataKey("alice")
	}
	clk.Advance(20 * time.Minute)
	assert.Nil(t, m.GetUserDataKey("alice"))
}

func TestBackgroundSweep(t *testing.T) {
	evicted := make(chan string, 1)
	m, clk := newTestManager(t, Config{
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 5 * time.Minute,
		OnEvict:       func(userID string) { evicted <- userID },
	})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))

	// Three sweep ticks pass; the second one is beyond the idle timeout.
	for i := 0; i < 3; i++ {
		require.NoError(t, clk.WaitAdvance(5*time.Minute, 2*time.Second, 1))
	}

	select {
	case userID := <-evicted:
		assert.Equal(t, "alice", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not evict the expired session")
	}
	assert.False(t, m.IsUserUnlocked("alice"))
}

func TestLogout(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))
	require.True(t, m.IsUserUnlocked("alice"))

	m.LogoutUser("alice")
	assert.False(t, m.IsUserUnlocked("alice"))
	assert.Nil(t, m.GetUserDataKey("alice"))

	// Logging out again is harmless.
	m.LogoutUser("alice")
}

func TestChangeUserPassword(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "old pw"))
	require.True(t, m.AuthenticateUser("alice", "old pw"))
	before := m.GetUserDataKey("alice")
	require.NotNil(t, before)

	require.True(t, m.ChangeUserPassword("alice", "old pw", "new pw"))

	// The change invalidates the live session even though it succeeded.
	assert.Nil(t, m.GetUserDataKey("alice"))

	assert.False(t, m.AuthenticateUser("alice", "old pw"))
	require.True(t, m.AuthenticateUser("alice", "new pw"))

	// Same DEK under the new wrapping: stored data stays decryptable.
	after := m.GetUserDataKey("alice")
	assert.Equal(t, before, after)
}

func TestChangeUserPasswordWrongOld(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "old pw"))
	assert.False(t, m.ChangeUserPassword("alice", "not it", "new pw"))
	assert.True(t, m.AuthenticateUser("alice", "old pw"))
}

func TestOIDCAuthenticateProvisionsOnFirstUse(t *testing.T) {
	st := newMemStore()
	m, _ := newTestManager(t, Config{
		Store:        st,
		SystemSecret: []byte("system secret"),
	})

	require.True(t, m.AuthenticateOIDCUser("bob"))
	first := m.GetUserDataKey("bob")
	require.NotNil(t, first)

	// Second login unwraps the stored DEK instead of re-provisioning.
	m.LogoutUser("bob")
	require.True(t, m.AuthenticateOIDCUser("bob"))
	assert.Equal(t, first, m.GetUserDataKey("bob"))
}

func TestOIDCSelfHealsOnCorruptRecord(t *testing.T) {
	st := newMemStore()
	m, _ := newTestManager(t, Config{
		Store:        st,
		SystemSecret: []byte("system secret"),
	})

	require.True(t, m.AuthenticateOIDCUser("bob"))
	m.LogoutUser("bob")

	st.mu.Lock()
	rec := st.deks["bob"]
	rec.Ciphertext = "deadbeef"
	st.deks["bob"] = rec
	st.mu.Unlock()

	// No password exists to get wrong, so a broken record is replaced.
	require.True(t, m.AuthenticateOIDCUser("bob"))
	assert.NotNil(t, m.GetUserDataKey("bob"))
}

func TestOIDCWithoutSystemSecret(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	assert.False(t, m.AuthenticateOIDCUser("bob"))
}

func TestFieldEncryptionRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.SetupUserEncryption("alice", "pw"))
	require.True(t, m.AuthenticateUser("alice", "pw"))
	dek := m.GetUserDataKey("alice")

	ct, err := EncryptField(dek, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, ct, "hunter2")

	pt, err := DecryptField(dek, ct)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pt)

	_, err = DecryptField(make([]byte, dekSize), ct)
	assert.Error(t, err)
}
