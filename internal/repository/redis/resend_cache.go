package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"consent-otp-service/internal/client"
	"consent-otp-service/internal/util"
)

const (
	resendCooldownPrefix = "otp_resend_cooldown:"
	resendCountPrefix    = "otp_resend_count:"
	sendLockPrefix       = "otp_send_lock:"
)

// ResendCache throttles resend requests per consent. The attempt budget
// lives in the store; Redis only answers "is this consent allowed to ask
// for another code right now".
type ResendCache struct {
	client *client.RedisClient
}

func NewResendCache(client *client.RedisClient) *ResendCache {
	return &ResendCache{client: client}
}

// AcquireCooldown claims the cooldown slot for a consent. It returns false
// with the remaining wait when a previous send is still cooling down.
func (c *ResendCache) AcquireCooldown(consentID string, cooldown time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := resendCooldownPrefix + consentID

	acquired, err := c.client.SetNX(ctx, key, "1", cooldown)
	if err != nil {
		util.Error("Failed to acquire resend cooldown",
			zap.String("consent_id", consentID),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to acquire resend cooldown: %w", err)
	}
	if acquired {
		return true, 0, nil
	}

	remaining, err := c.client.TTL(ctx, key)
	if err != nil {
		remaining = cooldown
	}
	return false, remaining, nil
}

// ReleaseCooldown clears the cooldown slot, used when a send fails after
// the slot was claimed so the user is not locked out of retrying.
func (c *ResendCache) ReleaseCooldown(consentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, resendCooldownPrefix+consentID); err != nil {
		return fmt.Errorf("failed to release resend cooldown: %w", err)
	}
	return nil
}

// IncrementResends bumps the rolling resend counter for a consent. The
// counter expires with the window so abandoned consents reset themselves.
func (c *ResendCache) IncrementResends(consentID string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := resendCountPrefix + consentID

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment resend count",
			zap.String("consent_id", consentID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment resend count: %w", err)
	}

	util.Debug("Resend count incremented",
		zap.String("consent_id", consentID),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *ResendCache) GetResendCount(consentID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := resendCountPrefix + consentID

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get resend count: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid resend count format: %w", err)
	}
	return count, nil
}

// AcquireSendLock guards against duplicate concurrent sends for the same
// consent, for example a double-clicked resend button.
func (c *ResendCache) AcquireSendLock(consentID string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sendLockPrefix + consentID

	acquired, err := c.client.SetNX(ctx, key, "locked", ttl)
	if err != nil {
		util.Error("Failed to acquire send lock",
			zap.String("consent_id", consentID),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire send lock: %w", err)
	}
	return acquired, nil
}

func (c *ResendCache) ReleaseSendLock(consentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, sendLockPrefix+consentID); err != nil {
		util.Error("Failed to release send lock",
			zap.String("consent_id", consentID),
			zap.Error(err))
		return fmt.Errorf("failed to release send lock: %w", err)
	}
	return nil
}
