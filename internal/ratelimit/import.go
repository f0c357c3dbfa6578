package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/clinicpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyImportUpload    = "clinicpay:import:upload:%s"
	keyImportBatchLock = "clinicpay:import:batch:%s"
)

// ImportLimiter throttles statement uploads and serializes matching runs on
// a batch. A nil or disabled limiter allows everything.
type ImportLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	uploadRate  float64
	uploadBurst int
}

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis not configured, import limits disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func NewImportLimiter(cfg config.Config, client *redis.Client) *ImportLimiter {
	if client == nil {
		return nil
	}
	return newImportLimiter(client, cfg.ImportUploadRate, cfg.ImportUploadBurst)
}

func newImportLimiter(client redis.UniversalClient, rate float64, burst int) *ImportLimiter {
	return &ImportLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		uploadRate:  rate,
		uploadBurst: burst,
	}
}

func (l *ImportLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowUpload spends one upload token for clientKey.
func (l *ImportLimiter) AllowUpload(ctx context.Context, clientKey string) (Result, error) {
	if !l.Enabled() || l.uploadRate <= 0 || l.uploadBurst <= 0 {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyImportUpload, strings.TrimSpace(clientKey)), l.uploadRate, l.uploadBurst)
}

// TryLockBatch returns an empty token and true when locking is disabled.
func (l *ImportLimiter) TryLockBatch(ctx context.Context, batchID string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyImportBatchLock, strings.TrimSpace(batchID)), ttl)
}

func (l *ImportLimiter) ReleaseBatch(ctx context.Context, batchID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyImportBatchLock, strings.TrimSpace(batchID)), token)
}
