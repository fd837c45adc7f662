package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
)

const (
	keyCheckoutClient = "pixwatch:checkout:client:%s"
	keyConfirmLock    = "pixwatch:confirm:lock:%s"
)

// PaymentGuard throttles checkout submissions per client and serialises manual
// confirmation requests per charge.
type PaymentGuard struct {
	bucket Limiter
	locker Locker

	distributed   bool
	checkoutRate  float64
	checkoutBurst int
	lockTTL       time.Duration
}

// NewPaymentGuard uses Redis when a client is provided and in-process state otherwise.
func NewPaymentGuard(cfg config.Config, client *redis.Client, clk clock.Clock) *PaymentGuard {
	guard := &PaymentGuard{
		checkoutRate:  cfg.RateLimit.CheckoutRate,
		checkoutBurst: cfg.RateLimit.CheckoutBurst,
		lockTTL:       cfg.RateLimit.ConfirmLockTTL,
	}
	if guard.lockTTL <= 0 {
		guard.lockTTL = 10 * time.Second
	}

	if client != nil {
		guard.distributed = true
		guard.bucket = NewTokenBucket(client)
		guard.locker = NewRedisLocker(client)
		return guard
	}
	guard.bucket = NewLocalBucket(clk)
	guard.locker = NewLocalLocker(clk)
	return guard
}

func (g *PaymentGuard) Distributed() bool {
	return g != nil && g.distributed
}

// CheckoutLimited reports whether checkout throttling is active.
func (g *PaymentGuard) CheckoutLimited() bool {
	return g != nil && g.checkoutRate > 0 && g.checkoutBurst > 0
}

func (g *PaymentGuard) AllowCheckout(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	if !g.CheckoutLimited() {
		return &RateLimitResult{Allowed: true}, nil
	}
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		clientKey = "unknown"
	}
	return g.bucket.Allow(ctx, fmt.Sprintf(keyCheckoutClient, clientKey), g.checkoutRate, g.checkoutBurst)
}

func (g *PaymentGuard) TryLockConfirmation(ctx context.Context, chargeID string) (string, bool, error) {
	return g.locker.TryLock(ctx, fmt.Sprintf(keyConfirmLock, strings.TrimSpace(chargeID)), g.lockTTL)
}

func (g *PaymentGuard) ReleaseConfirmation(ctx context.Context, chargeID, token string) error {
	return g.locker.Release(ctx, fmt.Sprintf(keyConfirmLock, strings.TrimSpace(chargeID)), token)
}
