package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "listing:1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.size(), "all keys should be forgotten after release")
}

func TestLocal_DisjointKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "listing:1")
	require.NoError(t, err)
	defer release()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release2, err := l.Acquire(ctx2, "listing:2", "balance:bob")
	require.NoError(t, err)
	release2()
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b", "c")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	assert.Zero(t, l.size())

	// "c" must not have been left held by the failed attempt.
	release, err = l.Acquire(context.Background(), "c")
	require.NoError(t, err)
	release()
}

func TestLocal_OverlappingSetsNoDeadlock(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		keys := []string{"x", "y", "z"}
		if i%2 == 0 {
			keys = []string{"z", "y", "x", "x"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, keys...)
			if err != nil {
				t.Error(err)
				return
			}
			release()
		}()
	}
	wg.Wait()
}

func TestLocal_ReleaseIsIdempotent(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()
	assert.Zero(t, l.size())
}

func TestRedis_MutualExclusion(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	r := NewRedis(client, "ledger-test:"+t.Name()+":", time.Second, time.Millisecond)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "listing:1", "balance:a")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(short, "balance:a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	release, err = r.Acquire(ctx, "balance:a")
	require.NoError(t, err)
	release()
}
