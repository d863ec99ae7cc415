package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaser interface {
	Acquire(ctx context.Context, terminalID, sessionID string, ttl time.Duration) error
	Release(ctx context.Context, terminalID, sessionID string) error
}

func TestLease_OneSessionPerTerminal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	impls := map[string]leaser{
		"redis":  NewRedis(client),
		"memory": NewMemory(),
	}

	for name, l := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, l.Acquire(ctx, "ATM-001", "s-1", time.Minute))
			require.NoError(t, l.Acquire(ctx, "ATM-001", "s-1", time.Minute), "owner may re-acquire")

			err := l.Acquire(ctx, "ATM-001", "s-2", time.Minute)
			assert.ErrorIs(t, err, domain.ErrTerminalBusy)

			require.NoError(t, l.Acquire(ctx, "ATM-002", "s-2", time.Minute), "other terminals are independent")

			require.NoError(t, l.Release(ctx, "ATM-001", "s-2"), "non-owner release is a no-op")
			assert.ErrorIs(t, l.Acquire(ctx, "ATM-001", "s-3", time.Minute), domain.ErrTerminalBusy)

			require.NoError(t, l.Release(ctx, "ATM-001", "s-1"))
			assert.NoError(t, l.Acquire(ctx, "ATM-001", "s-3", time.Minute))
		})
	}
}

func TestRedisLease_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "ATM-001", "s-1", time.Second))
	mr.FastForward(2 * time.Second)
	assert.NoError(t, l.Acquire(ctx, "ATM-001", "s-2", time.Second))
}

func TestMemoryLease_Expires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemory()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "ATM-001", "s-1", time.Second))
	now = now.Add(2 * time.Second)
	assert.NoError(t, l.Acquire(ctx, "ATM-001", "s-2", time.Second))
}
