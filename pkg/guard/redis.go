package guard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

// luaRelease deletes the lock only if this holder still owns it.
const luaRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisConfig configures a Redis guard.
type RedisConfig struct {
	// Redis client for coordination
	Redis redis.UniversalClient

	// KeyPrefix namespaces lock keys. Default: "deferflow".
	KeyPrefix string

	// TTL bounds how long a crashed holder keeps a lock. Default: 30s.
	TTL time.Duration

	// PollInterval is the retry period while a lock is held elsewhere.
	// Default: 20ms.
	PollInterval time.Duration

	// RedisTimeout bounds each Redis round trip. Default: 1s.
	RedisTimeout time.Duration

	// Logger receives release failures. Default: disabled.
	Logger *zerolog.Logger
}

// Redis is a Guard backed by a Redis lock per key.
type Redis struct {
	config        RedisConfig
	logger        zerolog.Logger
	releaseScript *redis.Script
}

var _ Guard = (*Redis)(nil)

// NewRedis creates a Redis guard.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Redis == nil {
		return nil, gferrors.NewValidationError("guard", "redis", nil, "client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "deferflow"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 20 * time.Millisecond
	}
	if config.RedisTimeout <= 0 {
		config.RedisTimeout = time.Second
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("guard", "redis").Logger()
	}

	return &Redis{
		config:        config,
		logger:        logger,
		releaseScript: redis.NewScript(luaRelease),
	}, nil
}

func (r *Redis) lockKey(key string) string {
	return r.config.KeyPrefix + ":lock:" + key
}

// Acquire implements Guard. Redis errors end the wait.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	lockKey := r.lockKey(key)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.tryLock(ctx, lockKey, token)
		if err != nil {
			return nil, gferrors.NewOperationError("guard", "acquire", err).WithContext(key)
		}
		if ok {
			return r.releaser(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) tryLock(ctx context.Context, lockKey, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RedisTimeout)
	defer cancel()

	err := r.config.Redis.SetArgs(ctx, lockKey, token, redis.SetArgs{
		Mode: "NX",
		TTL:  r.config.TTL,
	}).Err()
	switch {
	case err == nil:
		return true, nil
	case err == redis.Nil:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", gferrors.ErrResourceUnavailable, err)
	}
}

func (r *Redis) releaser(lockKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(lockKey, token) })
	}
}

func (r *Redis) release(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.RedisTimeout)
	defer cancel()

	if err := r.releaseScript.Run(ctx, r.config.Redis, []string{lockKey}, token).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", lockKey).Msg("cannot release lock")
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
