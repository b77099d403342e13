package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, time.Hour),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec, err := s.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, Empty("sess-1"), rec)

			before := time.Now().Add(-time.Second)
			require.NoError(t, s.Update(ctx, "sess-1", Record{
				Status:    StatusClassifying,
				Total:     10,
				Processed: 4,
				Matched:   3,
			}))

			rec, err = s.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", rec.SessionID)
			assert.Equal(t, StatusClassifying, rec.Status)
			assert.Equal(t, 4, rec.Processed)
			assert.Equal(t, 3, rec.Matched)
			assert.True(t, rec.LastUpdated.After(before))

			require.NoError(t, s.Clear(ctx, "sess-1"))
			rec, err = s.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, rec.Status)
			assert.Zero(t, rec.Processed)
		})
	}
}

func TestStoreSessionsAreIndependent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("sess-%d", i)
					for n := 1; n <= 20; n++ {
						assert.NoError(t, s.Update(ctx, id, Record{Processed: n * (i + 1)}))
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 5; i++ {
				rec, err := s.Get(ctx, fmt.Sprintf("sess-%d", i))
				require.NoError(t, err)
				assert.Equal(t, 20*(i+1), rec.Processed)
			}
		})
	}
}

func TestRedisStoreUsesTTLAndKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, 0)

	require.NoError(t, s.Update(context.Background(), "abc", Record{Processed: 1}))
	assert.True(t, mr.Exists("progress:abc"))
	assert.Equal(t, DefaultTTL, mr.TTL("progress:abc"))

	mr.FastForward(DefaultTTL + time.Second)
	rec, err := s.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestThroughput(t *testing.T) {
	rate, eta := Throughput(10, 30, 5*time.Second)
	assert.InDelta(t, 2.0, rate, 1e-9)
	assert.InDelta(t, 10.0, eta, 1e-9)

	rate, eta = Throughput(0, 30, time.Second)
	assert.Zero(t, rate)
	assert.Zero(t, eta)

	_, eta = Throughput(30, 30, time.Second)
	assert.Zero(t, eta)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusLabeling.Terminal())
}
