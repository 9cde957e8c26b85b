package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrLeaseHeld is returned when another worker holds the lease
var ErrLeaseHeld = errors.New("lease is held by another worker")

// Lease is a short-lived exclusive lock identified by a random token
type Lease struct {
	key   string
	token string
	store *Store
}

// AcquireLease takes the lease for key for ttl or returns ErrLeaseHeld
func (s *Store) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := s.atomic.setNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	log.WithContext(ctx).Tracef("acquired lease %s", key)
	return &Lease{key: key, token: token, store: s}, nil
}

// Release frees the lease if it is still owned by this holder
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	if err := l.store.atomic.compareAndDelete(ctx, l.key, l.token); err != nil {
		log.WithContext(ctx).Warnf("failed to release lease %s: %v", l.key, err)
		return
	}
	log.WithContext(ctx).Tracef("released lease %s", l.key)
}

// Leases is a set of acquired leases released together
type Leases []*Lease

// Release frees every lease in the set
func (ls Leases) Release(ctx context.Context) {
	for _, l := range ls {
		l.Release(ctx)
	}
}

// AcquireLeases takes a lease for each key. On the first failure every lease
// taken so far is released and the error is returned.
func (s *Store) AcquireLeases(ctx context.Context, keys []string, ttl time.Duration) (Leases, error) {
	leases := make(Leases, 0, len(keys))
	for _, key := range keys {
		l, err := s.AcquireLease(ctx, key, ttl)
		if err != nil {
			leases.Release(ctx)
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

type atomicBackend interface {
	setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	compareAndDelete(ctx context.Context, key, value string) error
	incr(ctx context.Context, key string) (int64, error)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type redisAtomic struct {
	client *redis.Client
}

func (r *redisAtomic) setNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisAtomic) compareAndDelete(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, value).Err()
}

func (r *redisAtomic) incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

type memoryAtomic struct {
	mu     sync.Mutex
	client *gocache.Cache
}

func (m *memoryAtomic) setNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := m.client.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memoryAtomic) compareAndDelete(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.client.Get(key)
	if ok && v == value {
		m.client.Delete(key)
	}
	return nil
}

func (m *memoryAtomic) incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.client.IncrementInt64(key, 1)
	if err == nil {
		return n, nil
	}
	m.client.Set(key, int64(1), gocache.NoExpiration)
	return 1, nil
}
