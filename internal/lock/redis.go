package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases a lock taken over by another worker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisConfig controls lease and polling behavior.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can block the key. Default: 2m.
	TTL time.Duration
	// RenewInterval is how often a live holder extends its lease back to
	// TTL. Default: TTL/3.
	RenewInterval time.Duration
	// RetryInterval is the polling interval used by Lock. Default: 50ms.
	RetryInterval time.Duration
}

// Redis is a Locker backed by SET NX PX leases, shared by every engine
// instance pointed at the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedis creates a Redis locker.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	return &Redis{client: client, cfg: cfg}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, url string, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "lock: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "lock: ping redis")
	}
	return NewRedis(client, cfg), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	_, unlock, err := r.Hold(ctx, key)
	return unlock, err
}

// Hold takes the lease and renews it until unlock, or until ctx is done. A
// renewal that finds the lease gone or cannot reach Redis cancels the
// returned context with ErrLeaseLost.
func (r *Redis) Hold(ctx context.Context, key string) (context.Context, Unlock, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
	if err != nil {
		return nil, nil, eris.Wrapf(err, "lock: acquire %s", key)
	}
	if !ok {
		return nil, nil, ErrNotAcquired
	}

	held, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.keepAlive(held, cancel, key, token)
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel(nil)
			<-stopped
			r.release(key, token)
		})
	}, nil
}

func (r *Redis) keepAlive(held context.Context, lost context.CancelCauseFunc, key, token string) {
	ticker := time.NewTicker(r.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-held.Done():
			return
		case <-ticker.C:
		}
		if err := r.renew(held, key, token); err != nil {
			if held.Err() != nil {
				return
			}
			zap.L().Error("lock: lease lost", zap.String("key", key), zap.Error(err))
			lost(ErrLeaseLost)
			return
		}
	}
}

func (r *Redis) renew(ctx context.Context, key, token string) error {
	n, err := renewScript.Run(ctx, r.client, []string{key}, token, r.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return eris.Wrapf(err, "lock: renew %s", key)
	}
	if n == 0 {
		return eris.Errorf("lock: %s taken over", key)
	}
	return nil
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		unlock, err := r.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !eris.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "lock: wait for %s", key)
		case <-ticker.C:
		}
	}
}

// release runs on a fresh context: deferred unlocks often run after the
// caller's context is cancelled.
func (r *Redis) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		zap.L().Warn("lock: release failed", zap.String("key", key), zap.Error(err))
	}
}
