// Package lock provides the per-vessel generation lock used by the draft
// assembler. Locks are leases: a crashed holder loses the lock when its TTL
// runs out.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

// ErrNotAcquired is returned by Wait when the lock stayed busy for the whole wait.
var ErrNotAcquired = errors.New("lock not acquired")

type Locker interface {
	// Acquire tries once. It reports false when another holder owns a live lease.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// Wait polls l with exponential backoff until the lock is acquired, ctx is
// done, or wait elapses. A non-positive wait makes a single attempt.
func Wait(ctx context.Context, l Locker, key, holder string, ttl, wait time.Duration) error {
	if wait <= 0 {
		ok, err := l.Acquire(ctx, key, holder, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = wait
	return backoff.Retry(func() error {
		ok, err := l.Acquire(ctx, key, holder, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// SQL leases rows in the generation_locks table.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{DB: db, Now: time.Now}
}

const leaseLayout = "2006-01-02T15:04:05.000Z07:00"

func (s *SQL) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := s.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO generation_locks(vessel_id, holder, acquired_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(vessel_id) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE generation_locks.expires_at < excluded.acquired_at OR generation_locks.holder = excluded.holder`,
		key, holder, now.Format(leaseLayout), now.Add(ttl).Format(leaseLayout))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQL) Release(ctx context.Context, key, holder string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM generation_locks WHERE vessel_id=? AND holder=?`, key, holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// Redis uses SET NX with a TTL and a compare-and-delete release script.
type Redis struct {
	Client *redis.Client
	Prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{Client: client, Prefix: "watchkeeper:genlock:"}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (r *Redis) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, r.Prefix+key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, r.Client, []string{r.Prefix + key}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
