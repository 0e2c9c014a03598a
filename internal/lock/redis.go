package lock

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only if it still holds our token, so an
// expired lock that someone else has since taken is never released by us.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Redis is a Locker shared by every ledger instance pointing at the same
// Redis. Each key is a SET NX PX entry holding a per-acquisition token.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // upper bound on a crashed holder's lease
	retry  time.Duration
}

// NewRedis creates a distributed locker. ttl must exceed the longest
// critical section; retry is the base spin interval.
func NewRedis(client *redis.Client, prefix string, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 5 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	for _, k := range keys {
		if err := r.lockOne(ctx, r.prefix+k, token); err != nil {
			r.unlock(held, token)
			return nil, err
		}
		held = append(held, r.prefix+k)
	}
	return func() { r.unlock(held, token) }, nil
}

func (r *Redis) lockOne(ctx context.Context, key, token string) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// Jitter so waiters do not wake in lockstep.
		wait := r.retry + time.Duration(rand.IntN(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Redis) unlock(held []string, token string) {
	// Release must not be skipped because the caller's context ended.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		r.client.Eval(ctx, unlockScript, []string{held[i]}, token)
	}
}
