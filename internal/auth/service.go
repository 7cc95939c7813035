package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"saas-crm/internal/observability"
)

// Service composes the throttle, the credential store and the token service
// into the login, refresh and account flows.
type Service struct {
	store    PrincipalStore
	hasher   *Hasher
	tokens   *TokenService
	throttle AttemptThrottle
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewService(store PrincipalStore, hasher *Hasher, tokens *TokenService, throttle AttemptThrottle, logger *observability.Logger) *Service {
	return &Service{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Login authenticates identifier (username or email) and password. Unknown
// principals and wrong passwords both yield ErrInvalidCredentials and both
// count against the throttle. Failures are counted under the identifier and,
// once it resolves, under the principal, so every alias of an account shares
// one lock.
func (s *Service) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	if err := s.checkLocked(ctx, identifier); err != nil {
		return TokenPair{}, err
	}

	p, err := s.store.FindByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if !errors.Is(err, ErrPrincipalNotFound) {
			return TokenPair{}, upstream(err)
		}
		s.hasher.burn(password)
		return TokenPair{}, s.fail(ctx, identifier)
	}

	principalKey := principalThrottleKey(p.ID)
	if err := s.checkLocked(ctx, principalKey); err != nil {
		return TokenPair{}, err
	}

	if !s.hasher.Matches(p.PasswordHash, password) {
		return TokenPair{}, s.fail(ctx, identifier, principalKey)
	}
	if !p.Active {
		s.metrics.ObserveLogin("inactive")
		return TokenPair{}, ErrInvalidCredentials
	}

	for _, key := range []string{identifier, principalKey} {
		if err := s.throttle.RecordSuccess(ctx, key); err != nil {
			return TokenPair{}, upstream(err)
		}
	}

	pair, err := s.tokens.Issue(p)
	if err != nil {
		return TokenPair{}, err
	}

	if err := s.store.TouchLastLogin(ctx, p.ID, s.now().UTC()); err != nil {
		s.logger.Warn("touch_last_login_failed", map[string]any{"principal_id": p.ID, "error": err.Error()})
	}
	s.metrics.ObserveLogin("success")
	return pair, nil
}

func principalThrottleKey(id string) string {
	return "principal:" + id
}

func (s *Service) checkLocked(ctx context.Context, key string) error {
	locked, until, err := s.throttle.IsLocked(ctx, key)
	if err != nil {
		return upstream(err)
	}
	if locked {
		s.metrics.ObserveLogin("locked")
		return ErrAccountLocked{Until: until}
	}
	return nil
}

func (s *Service) fail(ctx context.Context, identifier string, extra ...string) error {
	count, err := s.throttle.RecordFailure(ctx, identifier)
	if err != nil {
		return upstream(err)
	}
	for _, key := range extra {
		n, err := s.throttle.RecordFailure(ctx, key)
		if err != nil {
			return upstream(err)
		}
		count = max(count, n)
	}
	s.logger.Info("login_failed", map[string]any{"identifier": identifier, "failures": count})
	s.metrics.ObserveLogin("invalid_credentials")
	return ErrInvalidCredentials
}

// Refresh consumes a refresh token and issues a new pair with the
// principal's current roles. A deactivated principal cannot refresh. The
// principal is read before the token is consumed, so a store outage leaves the
// token usable.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.InspectRefresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	p, findErr := s.store.FindByID(ctx, claims.Subject)
	if findErr != nil && !errors.Is(findErr, ErrPrincipalNotFound) {
		return TokenPair{}, upstream(findErr)
	}
	if _, err := s.tokens.Consume(ctx, refreshToken); err != nil {
		return TokenPair{}, err
	}
	if findErr != nil || !p.Active {
		return TokenPair{}, ErrTokenRevoked
	}
	return s.tokens.Issue(p)
}

// Logout revokes the presented access token and, when supplied, the caller's
// own refresh token. A refresh token belonging to someone else is left alone.
func (s *Service) Logout(ctx context.Context, id Identity, accessToken, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, accessToken); err != nil {
		return err
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}

	claims, err := s.tokens.InspectRefresh(ctx, refreshToken)
	if err != nil {
		if IsTokenError(err) {
			return nil
		}
		return err
	}
	if claims.Subject != id.PrincipalID {
		s.logger.Warn("logout_foreign_refresh_token", map[string]any{"principal_id": id.PrincipalID})
		return nil
	}
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil && !IsTokenError(err) {
		return err
	}
	return nil
}

func (s *Service) Me(ctx context.Context, id Identity) (Profile, error) {
	p, err := s.store.FindByID(ctx, id.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Profile{}, err
		}
		return Profile{}, upstream(err)
	}
	return p.Profile(), nil
}

func (s *Service) ChangePassword(ctx context.Context, id Identity, current, next string) error {
	p, err := s.store.FindByID(ctx, id.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrInvalidCredentials
		}
		return upstream(err)
	}
	if !s.hasher.Matches(p.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, p.ID, hash); err != nil {
		return upstream(err)
	}
	s.logger.Info("password_changed", map[string]any{"principal_id": p.ID})
	return nil
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	Roles    []string
}

// Register creates a principal. Callers are expected to have checked that the
// requester holds RoleAdmin.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Profile, error) {
	if err := ValidatePassword(input.Password); err != nil {
		return Profile{}, err
	}
	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return Profile{}, err
	}

	roles := input.Roles
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}

	p, err := s.store.Create(ctx, NewPrincipal{
		Username:     normalizeIdentifier(input.Username),
		Email:        normalizeIdentifier(input.Email),
		PasswordHash: hash,
		Roles:        roles,
	})
	if err != nil {
		if errors.Is(err, ErrPrincipalExists) {
			return Profile{}, err
		}
		return Profile{}, upstream(err)
	}
	s.logger.Info("principal_registered", map[string]any{"principal_id": p.ID, "roles": roles})
	return p.Profile(), nil
}

// BootstrapAdmin creates the initial administrator when it does not exist
// yet. Both values empty means nothing to do.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = normalizeIdentifier(username)
	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	_, err := s.store.FindByUsernameOrEmail(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPrincipalNotFound) {
		return err
	}
	if email == "" {
		email = username + "@localhost"
	}

	_, err = s.Register(ctx, RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
		Roles:    []string{RoleAdmin},
	})
	return err
}
