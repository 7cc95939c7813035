package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	serviceFixture
	handler *Handler
	mailer  *fakeMailer
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()
	f := newServiceFixture(t)
	mailer := &fakeMailer{}
	resets := NewResetCoordinator(f.store, f.hasher, mailer, nopLogger(), "https://crm.example.com/reset", 0).WithClock(f.clock.Now)
	return handlerFixture{serviceFixture: f, handler: NewHandler(f.svc, resets, nopLogger()), mailer: mailer}
}

func postJSON(t *testing.T, h http.HandlerFunc, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func asIdentity(id Identity) func(*http.Request) {
	return func(r *http.Request) {
		*r = *r.WithContext(WithIdentity(r.Context(), id))
	}
}

func TestHandlerLogin(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(t, f.handler.Login, map[string]string{"username": "alice", "password": alicePassword})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)

	rec = postJSON(t, f.handler.Login, map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	wrongPassword := rec.Body.String()

	rec = postJSON(t, f.handler.Login, map[string]string{"username": "ghost", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, wrongPassword, rec.Body.String())

	rec = postJSON(t, f.handler.Login, `{"username":"alice","password":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, f.handler.Login, map[string]string{"username": " ", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLoginLocked(t *testing.T) {
	f := newHandlerFixture(t)

	for range 5 {
		postJSON(t, f.handler.Login, map[string]string{"username": "alice", "password": "nope"})
	}
	rec := postJSON(t, f.handler.Login, map[string]string{"username": "alice", "password": alicePassword})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandlerLoginUpstream(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.failWith = errors.New("db down")

	rec := postJSON(t, f.handler.Login, map[string]string{"username": "alice", "password": alicePassword})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerRefresh(t *testing.T) {
	f := newHandlerFixture(t)
	pair, err := f.svc.Login(context.Background(), "alice", alicePassword)
	require.NoError(t, err)

	rec := postJSON(t, f.handler.Refresh, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, f.handler.Refresh, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, f.handler.Refresh, map[string]string{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLogout(t *testing.T) {
	f := newHandlerFixture(t)
	pair, err := f.svc.Login(context.Background(), "alice", alicePassword)
	require.NoError(t, err)

	bearer := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}

	rec := postJSON(t, f.handler.Logout, map[string]string{"refresh_token": pair.RefreshToken}, bearer)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "logout runs behind the gate")

	rec = postJSON(t, f.handler.Logout, map[string]string{"refresh_token": pair.RefreshToken}, bearer,
		asIdentity(Identity{PrincipalID: "u-alice", Roles: []string{RoleUser}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = f.tokens.Validate(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestHandlerMe(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{PrincipalID: "u-alice", Roles: []string{RoleUser}}))
	rec := httptest.NewRecorder()
	f.handler.Me(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var profile Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "alice", profile.Username)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = httptest.NewRecorder()
	f.handler.Me(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerChangePassword(t *testing.T) {
	f := newHandlerFixture(t)
	me := asIdentity(Identity{PrincipalID: "u-alice"})

	rec := postJSON(t, f.handler.ChangePassword, map[string]string{"current_password": "bad", "new_password": newPassword}, me)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, f.handler.ChangePassword, map[string]string{"current_password": alicePassword, "new_password": "short"}, me)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, f.handler.ChangePassword, map[string]string{"current_password": alicePassword, "new_password": newPassword}, me)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerResetFlow(t *testing.T) {
	f := newHandlerFixture(t)

	known := postJSON(t, f.handler.RequestReset, map[string]string{"email": "alice@example.com"})
	unknown := postJSON(t, f.handler.RequestReset, map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
	require.Len(t, f.mailer.sent, 1)

	rec := postJSON(t, f.handler.RequestReset, map[string]string{"email": "not an email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := tokenFromLink(f.mailer.last(t).link)
	rec = postJSON(t, f.handler.CompleteReset, map[string]string{"token": token, "new_password": newPassword})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, f.handler.CompleteReset, map[string]string{"token": token, "new_password": newPassword})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid or expired")

	_, err := f.svc.Login(context.Background(), "alice", newPassword)
	assert.NoError(t, err)
}

func TestHandlerRequestResetUpstream(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.failWith = errors.New("db down")

	rec := postJSON(t, f.handler.RequestReset, map[string]string{"email": "alice@example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerRegister(t *testing.T) {
	f := newHandlerFixture(t)

	rec := postJSON(t, f.handler.Register, map[string]any{
		"username": "bob",
		"email":    "bob@example.com",
		"password": newPassword,
		"roles":    []string{RoleManager},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var profile Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, []string{RoleManager}, profile.Roles)

	rec = postJSON(t, f.handler.Register, map[string]any{"username": "bob", "email": "b2@example.com", "password": newPassword})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(t, f.handler.Register, map[string]any{"username": "x", "email": "x@example.com", "password": newPassword})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, f.handler.Register, map[string]any{"username": "dave", "email": "dave@example.com", "password": newPassword, "roles": []string{"ROOT"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ROOT"))
}
