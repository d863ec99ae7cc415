// Package lease keeps at most one live deposit session per ATM terminal.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "atm:lease:"

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores leases as expiring keys so that several API instances agree
// on which session owns a terminal.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Acquire claims terminalID for sessionID. Re-acquiring an owned lease
// refreshes its expiry.
func (l *Redis) Acquire(ctx context.Context, terminalID, sessionID string, ttl time.Duration) error {
	const op = "lease.Acquire"
	key := keyPrefix + terminalID

	ok, err := l.client.SetNX(ctx, key, sessionID, ttl).Result()
	if err != nil {
		return domain.Wrap(domain.KindInternal, op, err, "lease store unavailable")
	}
	if ok {
		return nil
	}

	owner, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; try once more.
		if ok, err = l.client.SetNX(ctx, key, sessionID, ttl).Result(); err == nil && ok {
			return nil
		}
	}
	if err != nil && err != redis.Nil {
		return domain.Wrap(domain.KindInternal, op, err, "lease store unavailable")
	}
	if owner == sessionID {
		if err := l.client.PExpire(ctx, key, ttl).Err(); err != nil {
			return domain.Wrap(domain.KindInternal, op, err, "lease refresh failed")
		}
		return nil
	}
	return domain.E(domain.KindTerminalBusy, op, "terminal %s is serving another deposit", terminalID)
}

// Release frees terminalID if sessionID still owns it.
func (l *Redis) Release(ctx context.Context, terminalID, sessionID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + terminalID}, sessionID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease for %s: %w", terminalID, err)
	}
	return nil
}

type entry struct {
	sessionID string
	expires   time.Time
}

// Memory is the single-instance lease used when no Redis is configured.
type Memory struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]entry), now: time.Now}
}

func (l *Memory) Acquire(_ context.Context, terminalID, sessionID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[terminalID]; ok && cur.sessionID != sessionID && now.Before(cur.expires) {
		return domain.E(domain.KindTerminalBusy, "lease.Acquire", "terminal %s is serving another deposit", terminalID)
	}
	l.leases[terminalID] = entry{sessionID: sessionID, expires: now.Add(ttl)}
	return nil
}

func (l *Memory) Release(_ context.Context, terminalID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[terminalID]; ok && cur.sessionID == sessionID {
		delete(l.leases, terminalID)
	}
	return nil
}
