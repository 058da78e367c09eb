package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const defaultLockTTL = 10 * time.Minute

// RedisLocker serialises runs across processes with SET NX PX. The TTL
// bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "drawdown:lock"
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    log.With().Str("component", "billing.lock").Logger(),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	full := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", full, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// The caller's context may already be cancelled when releasing.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{full}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", full).Msg("lock release failed; ttl will expire it")
		}
	}, nil
}
