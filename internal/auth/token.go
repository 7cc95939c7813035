package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type TokenConfig struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService issues and validates signed access and refresh tokens and
// consults the revocation registry on every validation.
type TokenService struct {
	key        SigningKey
	registry   RevocationRegistry
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenService(key SigningKey, registry RevocationRegistry, cfg TokenConfig) *TokenService {
	s := &TokenService{
		key:        key,
		registry:   registry,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	if cfg.AccessTTL > 0 {
		s.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTL > 0 {
		s.refreshTTL = cfg.RefreshTTL
	}
	return s
}

func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// Issue produces a fresh access/refresh pair for the principal.
func (s *TokenService) Issue(p Principal) (TokenPair, error) {
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	access, err := s.sign(p.ID, p.Roles, tokenTypeAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(p.ID, p.Roles, tokenTypeRefresh, now, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(subject string, roles []string, typ string, now, exp time.Time) (string, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}
	if roles == nil {
		roles = []string{}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles: roles,
		Type:  typ,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	encoded, err := jwt.NewWithClaims(s.key.method, claims).SignedString(s.key.sign)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Validate checks an access token and returns its claims. Expiry is reported
// before any other failure, so an expired token is ErrTokenExpired whatever
// its signature.
func (s *TokenService) Validate(ctx context.Context, accessToken string) (Claims, error) {
	claims, err := s.parse(accessToken, tokenTypeAccess)
	if err != nil {
		return Claims{}, err
	}
	if err := s.checkRevoked(ctx, claims.ID); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new pair carrying the same subject
// and roles.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.Consume(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return s.Issue(Principal{ID: claims.Subject, Roles: claims.Roles})
}

// InspectRefresh validates a refresh token, including its revocation status,
// without consuming it.
func (s *TokenService) InspectRefresh(ctx context.Context, refreshToken string) (Claims, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return Claims{}, err
	}
	if err := s.checkRevoked(ctx, claims.ID); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// Consume validates a refresh token and revokes it through an
// insert-if-absent, so each refresh token is accepted at most once even under
// concurrent use.
func (s *TokenService) Consume(ctx context.Context, refreshToken string) (Claims, error) {
	claims, err := s.parse(refreshToken, tokenTypeRefresh)
	if err != nil {
		return Claims{}, err
	}

	created, err := s.registry.Record(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return Claims{}, upstream(err)
	}
	if !created {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke blacklists a token of either type until its own expiry. Revoking an
// expired token does nothing.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token, "")
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil
		}
		return err
	}
	if _, err := s.registry.Record(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return upstream(err)
	}
	return nil
}

func (s *TokenService) checkRevoked(ctx context.Context, id string) error {
	revoked, err := s.registry.IsRevoked(ctx, id)
	if err != nil {
		return upstream(err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (s *TokenService) parse(raw, wantType string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrTokenMalformed
	}

	// Expiry takes precedence over algorithm and signature problems.
	var unverified Claims
	tok, _, err := jwt.NewParser().ParseUnverified(raw, &unverified)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return Claims{}, ErrTokenMalformed
	}
	if unverified.ExpiresAt == nil {
		return Claims{}, ErrTokenMalformed
	}
	if !s.now().Before(unverified.ExpiresAt.Time) {
		return Claims{}, ErrTokenExpired
	}
	if err != nil || tok.Method == nil || tok.Method.Alg() != s.key.Algorithm() {
		return Claims{}, ErrTokenAlgorithm
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.key.Algorithm()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.key.verify, nil
	}, opts...)
	if err != nil {
		return Claims{}, classifyParseError(err)
	}

	if claims.ID == "" || claims.Subject == "" {
		return Claims{}, ErrTokenMalformed
	}
	if wantType != "" && claims.Type != wantType {
		return Claims{}, ErrTokenMalformed
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenBadSignature
	default:
		return ErrTokenMalformed
	}
}

func upstream(err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

func generateJTI() (string, error) {
	return randomToken(16)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
