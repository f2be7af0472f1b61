package authcore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/veldtlabs/authcore/password"
)

// testClock is a mutable clock shared by the engine and the tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testHasherParams() password.Params {
	return password.Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

type testEnv struct {
	engine *Engine
	store  *mockAccountStore
	mailer *mockMailer
	redis  *miniredis.Miniredis
	clock  *testClock
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.ActionToken.Key = []byte("fedcba9876543210fedcba9876543210")
	cfg.Password.Argon2 = testHasherParams()
	cfg.Account.EnumerationDelay = 0
	cfg.Audit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newTestClock()
	store := newMockAccountStore()
	mailer := &mockMailer{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccountStore(store).
		WithMailSender(mailer).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, store: store, mailer: mailer, redis: mr, clock: clock}
}

// seedAccount creates a confirmed, active account directly in the store.
func (env *testEnv) seedAccount(t *testing.T, email, pw string) AccountRecord {
	t.Helper()
	hash, err := env.engine.hasher.Hash(pw)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	account, err := env.store.CreateAccount(context.Background(), NewAccountParams{
		Email:          email,
		EmailConfirmed: true,
		PasswordHash:   hash,
		Role:           "member",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

// totpCode computes the current code for a raw shared key.
func (env *testEnv) totpCode(t *testing.T, secret []byte) string {
	t.Helper()
	cfg := env.engine.config.TwoFactor
	code, err := hotpCode(secret, env.clock.Now().Unix()/int64(cfg.Period), cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("compute totp code: %v", err)
	}
	return code
}

type mockMailer struct {
	mu      sync.Mutex
	sent    []MailMessage
	failAll bool
}

func (m *mockMailer) Send(_ context.Context, msg MailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("smtp down")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// lastToken returns the token from the most recent mail with the template.
func (m *mockMailer) lastToken(t *testing.T, template string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Template == template {
			return m.sent[i].Data["token"]
		}
	}
	t.Fatalf("no mail with template %q", template)
	return ""
}

func (m *mockMailer) lastTo(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail sent")
	}
	return m.sent[len(m.sent)-1].To
}

// mockAccountStore is an in-memory AccountStore with failure injection.
type mockAccountStore struct {
	mu         sync.Mutex
	nextID     int
	accounts   map[string]*AccountRecord
	byEmail    map[string]string
	twoFactor  map[string]TwoFactorRecord
	recovery   map[string]map[[32]byte]struct{}
	identities map[string]string

	// linkErr makes every LinkExternalIdentity call fail when set.
	linkErr error
	// findErr makes every FindByID call fail when set.
	findErr error

	createCalls int
	deleteCalls int
	hashUpdates int
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts:   make(map[string]*AccountRecord),
		byEmail:    make(map[string]string),
		twoFactor:  make(map[string]TwoFactorRecord),
		recovery:   make(map[string]map[[32]byte]struct{}),
		identities: make(map[string]string),
	}
}

// account returns a copy for assertions.
func (m *mockAccountStore) account(t *testing.T, accountID string) AccountRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		t.Fatalf("account %s not in store", accountID)
	}
	return *rec
}

func (m *mockAccountStore) CreateAccount(_ context.Context, params NewAccountParams) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if _, ok := m.byEmail[params.Email]; ok {
		return AccountRecord{}, ErrDuplicateEmail
	}
	m.nextID++
	rec := &AccountRecord{
		AccountID:      fmt.Sprintf("acct-%d", m.nextID),
		Email:          params.Email,
		EmailConfirmed: params.EmailConfirmed,
		PasswordHash:   params.PasswordHash,
		DisplayName:    params.DisplayName,
		Role:           params.Role,
		Status:         AccountActive,
	}
	m.accounts[rec.AccountID] = rec
	m.byEmail[rec.Email] = rec.AccountID
	return *rec, nil
}

func (m *mockAccountStore) FindByID(_ context.Context, accountID string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return AccountRecord{}, m.findErr
	}
	rec, ok := m.accounts[accountID]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return *rec, nil
}

func (m *mockAccountStore) FindByEmail(_ context.Context, email string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return *m.accounts[id], nil
}

func (m *mockAccountStore) UpdatePasswordHash(_ context.Context, accountID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.PasswordHash = passwordHash
	m.hashUpdates++
	return nil
}

func (m *mockAccountStore) UpdateEmail(_ context.Context, accountID, email string, confirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if other, taken := m.byEmail[email]; taken && other != accountID {
		return ErrDuplicateEmail
	}
	delete(m.byEmail, rec.Email)
	rec.Email = email
	rec.EmailConfirmed = confirmed
	m.byEmail[email] = accountID
	return nil
}

func (m *mockAccountStore) MarkEmailConfirmed(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.EmailConfirmed = true
	return nil
}

func (m *mockAccountStore) SetStatus(_ context.Context, accountID string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	rec.Status = status
	return nil
}

func (m *mockAccountStore) DeleteAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	delete(m.byEmail, rec.Email)
	delete(m.accounts, accountID)
	delete(m.twoFactor, accountID)
	delete(m.recovery, accountID)
	for k, v := range m.identities {
		if v == accountID {
			delete(m.identities, k)
		}
	}
	return nil
}

func (m *mockAccountStore) GetTwoFactor(_ context.Context, accountID string) (TwoFactorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return TwoFactorRecord{}, ErrAccountNotFound
	}
	return m.twoFactor[accountID], nil
}

func (m *mockAccountStore) SetTwoFactorSecret(_ context.Context, accountID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	tf := m.twoFactor[accountID]
	tf.Secret = secret
	m.twoFactor[accountID] = tf
	return nil
}

func (m *mockAccountStore) SetTwoFactorEnabled(_ context.Context, accountID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	tf := m.twoFactor[accountID]
	tf.Enabled = enabled
	m.twoFactor[accountID] = tf
	rec.TwoFactorEnabled = enabled
	return nil
}

func (m *mockAccountStore) ReplaceRecoveryCodes(_ context.Context, accountID string, hashes [][32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	set := make(map[[32]byte]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	m.recovery[accountID] = set
	return nil
}

func (m *mockAccountStore) ConsumeRecoveryCode(_ context.Context, accountID string, hash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.recovery[accountID]
	if _, ok := set[hash]; !ok {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func identityKey(provider, providerKey string) string {
	return provider + "\x00" + providerKey
}

func (m *mockAccountStore) FindByExternalIdentity(_ context.Context, provider, providerKey string) (AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[identityKey(provider, providerKey)]
	if !ok {
		return AccountRecord{}, ErrAccountNotFound
	}
	return *m.accounts[id], nil
}

func (m *mockAccountStore) LinkExternalIdentity(_ context.Context, accountID string, identity ExternalIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return m.linkErr
	}
	key := identityKey(identity.Provider, identity.ProviderKey)
	if other, ok := m.identities[key]; ok && other != accountID {
		return ErrIdentityTaken
	}
	m.identities[key] = accountID
	return nil
}

func (m *mockAccountStore) ListExternalIdentities(_ context.Context, accountID string) ([]ExternalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExternalIdentity
	for k, v := range m.identities {
		if v != accountID {
			continue
		}
		for i := 0; i < len(k); i++ {
			if k[i] == 0 {
				out = append(out, ExternalIdentity{Provider: k[:i], ProviderKey: k[i+1:]})
				break
			}
		}
	}
	return out, nil
}
