// Package lease provides short-lived stage leases backed by Redis, so only
// one worker runs a given pipeline stage at a time. Without a Redis client
// the lease degrades to a no-op for single-node deployments.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/scoutlabs/medallion/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Lessor struct {
	client *redis.Client
	script *redis.Script
}

func NewLessor(client *redis.Client) *Lessor {
	if client == nil {
		return nil
	}
	return &Lessor{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// Acquire takes the lease for a stage. A false result means another worker
// holds it. A nil Lessor always grants the lease.
func (l *Lessor) Acquire(ctx context.Context, stage string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	if stage == "" {
		return "", false, errors.New("lease stage is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(stage), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release gives the lease back. Only the holder's token releases it, so an
// expired-and-reacquired lease is never clobbered.
func (l *Lessor) Release(ctx context.Context, stage, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if stage == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{leaseKey(stage)}, token).Err()
}

func leaseKey(stage string) string {
	return "medallion:lease:" + stage
}

type ClientParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// NewRedisClient connects to Redis when an address is configured; otherwise
// it returns nil and stage leases are bypassed.
func NewRedisClient(p ClientParam) *redis.Client {
	if p.Config.RedisAddr == "" {
		p.Log.Info("redis not configured, stage leases disabled")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     p.Config.RedisAddr,
		Password: p.Config.RedisPassword,
	})
}

var Module = fx.Module("lease",
	fx.Provide(NewRedisClient, NewLessor),
)
