package turnlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/MrWong99/loreweave/internal/observe"
)

const (
	// releaseScript deletes the lease only if it still carries our token.
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

	// extendScript pushes the lease expiry out only if we still own it.
	extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

	defaultKeyPrefix     = "loreweave:turnlock:"
	defaultLeaseTTL      = 2 * time.Minute
	defaultRetryInterval = 100 * time.Millisecond
	releaseTimeout       = 5 * time.Second
)

// RedisConfig tunes a [Redis] locker. Zero fields fall back to defaults.
type RedisConfig struct {
	// KeyPrefix is prepended to the chat id. Default: "loreweave:turnlock:".
	KeyPrefix string

	// LeaseTTL is the expiry set on the lease key. A holder renews it every
	// LeaseTTL/3 until unlock, so the TTL only matters when the holder dies.
	// Default: 2m.
	LeaseTTL time.Duration

	// RetryInterval paces acquisition attempts while the lease is taken.
	// Default: 100ms.
	RetryInterval time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// Redis is a distributed [Locker] built on SET NX PX leases.
//
// Each lease carries a random token; release and renewal are Lua
// compare-and-act scripts so a holder whose lease expired can never delete
// or extend someone else's lease.
type Redis struct {
	client redis.Cmdable
	cfg    RedisConfig
}

// NewRedis returns a [Redis] locker using client.
func NewRedis(client redis.Cmdable, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, errors.New("turnlock: redis client must not be nil")
	}
	return &Redis{client: client, cfg: cfg.withDefaults()}, nil
}

// Lock implements [Locker].
func (r *Redis) Lock(ctx context.Context, chatID string) (func(), error) {
	key := r.cfg.KeyPrefix + chatID
	token := uuid.NewString()
	limiter := rate.NewLimiter(rate.Every(r.cfg.RetryInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			// The limiter refuses early when the next slot lies past the
			// deadline; no attempt can happen before then either.
			<-ctx.Done()
			return nil, fmt.Errorf("turnlock: wait for %q: %w", chatID, ctx.Err())
		}
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.LeaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("turnlock: acquire %q: %w", chatID, err)
		}
		if ok {
			break
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.renew(ctx, key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			r.release(ctx, key, token)
		})
	}, nil
}

// renew keeps the lease alive until stop is closed or renewal fails.
func (r *Redis) renew(ctx context.Context, key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	ttl := r.cfg.LeaseTTL.Milliseconds()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			n, err := r.client.Eval(rctx, extendScript, []string{key}, token, ttl).Int64()
			cancel()
			switch {
			case err != nil:
				observe.Logger(ctx).Warn("turnlock: renew lease failed", slog.String("key", key), slog.Any("err", err))
			case n == 0:
				observe.Logger(ctx).Warn("turnlock: lease lost before unlock", slog.String("key", key))
				return
			}
		}
	}
}

func (r *Redis) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	n, err := r.client.Eval(rctx, releaseScript, []string{key}, token).Int64()
	switch {
	case err != nil:
		observe.Logger(ctx).Error("turnlock: release lease failed", slog.String("key", key), slog.Any("err", err))
	case n == 0:
		observe.Logger(ctx).Warn("turnlock: lease already expired at unlock", slog.String("key", key))
	}
}
