package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"saas-crm/internal/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory PrincipalStore and PermissionStore.
type memStore struct {
	mu         sync.Mutex
	byID       map[string]*Principal
	perms      map[string][]string
	failWith   error
	touchCalls int
}

func newMemStore() *memStore {
	return &memStore{byID: make(map[string]*Principal), perms: make(map[string][]string)}
}

func (s *memStore) add(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.byID[p.ID] = &cp
}

func (s *memStore) get(id string) Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.byID[id]
}

func (s *memStore) find(match func(*Principal) bool) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return Principal{}, s.failWith
	}
	for _, p := range s.byID {
		if match(p) {
			return *p, nil
		}
	}
	return Principal{}, ErrPrincipalNotFound
}

func (s *memStore) FindByUsernameOrEmail(_ context.Context, identifier string) (Principal, error) {
	return s.find(func(p *Principal) bool { return p.Username == identifier || p.Email == identifier })
}

func (s *memStore) FindByID(_ context.Context, id string) (Principal, error) {
	return s.find(func(p *Principal) bool { return p.ID == id })
}

func (s *memStore) FindByEmail(_ context.Context, email string) (Principal, error) {
	return s.find(func(p *Principal) bool { return p.Email == email })
}

func (s *memStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchCalls++
	if p, ok := s.byID[id]; ok {
		p.LastLoginAt = &at
	}
	return nil
}

func (s *memStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.PasswordHash = hash
	return nil
}

func (s *memStore) SetResetToken(_ context.Context, id, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	p, ok := s.byID[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.ResetTokenHash = tokenHash
	p.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (s *memStore) ConsumeResetToken(_ context.Context, tokenHash, newPasswordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.ResetTokenHash == tokenHash && p.ResetTokenExpiresAt != nil && p.ResetTokenExpiresAt.After(now) {
			p.PasswordHash = newPasswordHash
			p.ResetTokenHash = ""
			p.ResetTokenExpiresAt = nil
			return p.ID, nil
		}
	}
	return "", ErrResetTokenInvalidOrExpired
}

func (s *memStore) Create(_ context.Context, input NewPrincipal) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.Username == input.Username || p.Email == input.Email {
			return Principal{}, ErrPrincipalExists
		}
	}
	p := &Principal{
		ID:           "p-" + input.Username,
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		Active:       true,
		Roles:        input.Roles,
	}
	s.byID[p.ID] = p
	return *p, nil
}

func (s *memStore) PermissionsForRole(_ context.Context, role string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.perms[role], nil
}

type sentMail struct {
	to        string
	link      string
	expiresAt time.Time
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, to, link string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, link: link, expiresAt: expiresAt})
	return nil
}

func (m *fakeMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail sent")
	return m.sent[len(m.sent)-1]
}

func tokenFromLink(link string) string {
	_, token, found := strings.Cut(link, "token=")
	if !found {
		return link
	}
	return token
}

func testHasher() *Hasher {
	return NewHasher(bcrypt.MinCost)
}

func mustHash(t *testing.T, h *Hasher, password string) string {
	t.Helper()
	hash, err := h.Hash(password)
	require.NoError(t, err)
	return hash
}

func newTestTokenService(t *testing.T, clock *fakeClock) (*TokenService, *MemoryRegistry) {
	t.Helper()
	key, err := HMACKey(testSecret)
	require.NoError(t, err)
	registry := NewMemoryRegistry().WithClock(clock.Now)
	svc := NewTokenService(key, registry, TokenConfig{
		Issuer:     "saas-crm-test",
		Audience:   "saas-crm-test-api",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}).WithClock(clock.Now)
	return svc, registry
}

func nopLogger() *observability.Logger {
	return observability.NewNopLogger()
}
