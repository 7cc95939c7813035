package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"saas-crm/internal/observability"
)

const defaultResetTTL = 15 * time.Minute

// ResetMailer delivers the password reset link to the principal.
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error
}

// ResetCoordinator issues and redeems single-use password reset tokens. Only
// the SHA-256 digest of a token is persisted.
type ResetCoordinator struct {
	store   PrincipalStore
	hasher  *Hasher
	mailer  ResetMailer
	logger  *observability.Logger
	metrics *observability.Metrics
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewResetCoordinator(store PrincipalStore, hasher *Hasher, mailer ResetMailer, logger *observability.Logger, baseURL string, ttl time.Duration) *ResetCoordinator {
	if ttl <= 0 {
		ttl = defaultResetTTL
	}
	return &ResetCoordinator{
		store:   store,
		hasher:  hasher,
		mailer:  mailer,
		logger:  logger,
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *ResetCoordinator) WithClock(now func() time.Time) *ResetCoordinator {
	c.now = now
	return c
}

func (c *ResetCoordinator) WithMetrics(m *observability.Metrics) *ResetCoordinator {
	c.metrics = m
	return c
}

// Initiate creates a reset token for the principal owning email, replacing
// any earlier one, and mails the link. A delivery failure is logged and the
// token stays valid.
func (c *ResetCoordinator) Initiate(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrPrincipalNotFound
	}

	p, err := c.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			c.metrics.ObserveReset("initiate", "unknown_email")
			return ErrPrincipalNotFound
		}
		return upstream(err)
	}

	token, err := randomToken(32)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	expiresAt := c.now().UTC().Add(c.ttl)
	if err := c.store.SetResetToken(ctx, p.ID, hashResetToken(token), expiresAt); err != nil {
		return upstream(err)
	}

	if err := c.mailer.SendPasswordReset(ctx, p.Email, c.link(token), expiresAt); err != nil {
		c.logger.Error("password_reset_email_failed", map[string]any{
			"principal_id": p.ID,
			"error":        err.Error(),
		})
		c.metrics.ObserveReset("initiate", "email_failed")
		return nil
	}

	c.logger.Info("password_reset_initiated", map[string]any{"principal_id": p.ID})
	c.metrics.ObserveReset("initiate", "sent")
	return nil
}

// Complete redeems token and sets the new password. The match on digest and
// expiry and the clearing of both fields happen in one store operation.
func (c *ResetCoordinator) Complete(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrResetTokenInvalidOrExpired
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	id, err := c.store.ConsumeResetToken(ctx, hashResetToken(token), hash, c.now().UTC())
	if err != nil {
		if errors.Is(err, ErrResetTokenInvalidOrExpired) {
			c.metrics.ObserveReset("complete", "invalid")
			return ErrResetTokenInvalidOrExpired
		}
		return upstream(err)
	}

	c.logger.Info("password_reset_completed", map[string]any{"principal_id": id})
	c.metrics.ObserveReset("complete", "ok")
	return nil
}

func (c *ResetCoordinator) link(token string) string {
	if c.baseURL == "" {
		return token
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
