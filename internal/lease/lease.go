// Package lease keeps at most one campaign run per campaign across processes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Redis struct {
	rc     *redis.Client
	prefix string
}

func NewRedis(rc *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "push-dispatch:lease:"
	}
	return &Redis{rc: rc, prefix: prefix}
}

// Connect parses url, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rc := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}

// Acquire takes the lease for key. ok is false when another holder has it.
// The lease expires after ttl even if release is never called.
func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err = l.rc.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.rc, []string{k}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lease %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
