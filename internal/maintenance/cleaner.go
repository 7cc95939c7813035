package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"saas-crm/internal/observability"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type ResetTokenPurger interface {
	PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

type Result struct {
	RemovedRevocations int   `json:"removed_revocations"`
	RemovedAttempts    int   `json:"removed_attempts"`
	RemovedRateLimits  int   `json:"removed_rate_limits"`
	ClearedResetTokens int64 `json:"cleared_reset_tokens"`
}

// Cleaner drops expired revocations, lapsed attempt counters, idle per-IP
// limiters and expired reset tokens. None of this affects correctness; the
// stores evict lazily on read.
type Cleaner struct {
	revocations Sweeper
	attempts    Sweeper
	rateLimits  func() int
	resets      ResetTokenPurger
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewCleaner(revocations, attempts Sweeper, rateLimits func() int, resets ResetTokenPurger, logger *observability.Logger, metrics *observability.Metrics) *Cleaner {
	return &Cleaner{
		revocations: revocations,
		attempts:    attempts,
		rateLimits:  rateLimits,
		resets:      resets,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	var result Result

	removed, err := c.revocations.Sweep(ctx)
	if err != nil {
		return result, fmt.Errorf("sweep revocations: %w", err)
	}
	result.RemovedRevocations = removed

	removed, err = c.attempts.Sweep(ctx)
	if err != nil {
		return result, fmt.Errorf("sweep attempts: %w", err)
	}
	result.RemovedAttempts = removed

	if c.rateLimits != nil {
		result.RemovedRateLimits = c.rateLimits()
	}

	if c.resets != nil {
		cleared, err := c.resets.PurgeExpiredResetTokens(ctx, c.now().UTC())
		if err != nil {
			return result, err
		}
		result.ClearedResetTokens = cleared
	}

	c.metrics.ObserveCleanup("revocations", result.RemovedRevocations)
	c.metrics.ObserveCleanup("attempts", result.RemovedAttempts)
	c.metrics.ObserveCleanup("rate_limits", result.RemovedRateLimits)
	c.metrics.ObserveCleanup("reset_tokens", int(result.ClearedResetTokens))

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"removed_revocations":  result.RemovedRevocations,
		"removed_attempts":     result.RemovedAttempts,
		"removed_rate_limits":  result.RemovedRateLimits,
		"cleared_reset_tokens": result.ClearedResetTokens,
	})
	return result, nil
}

// Schedule registers Run on a cron scheduler using spec, e.g. "@every 10m".
// The caller starts and stops the returned scheduler.
func (c *Cleaner) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := c.Run(ctx); err != nil {
			c.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}
	return scheduler, nil
}
