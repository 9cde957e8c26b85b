package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const RedisStoreEnvVar = "SSHFLEET_CACHE_REDIS_ADDRESS"

const (
	DefaultCacheExpiration = 48 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

// Store is the shared TTL cache used for dedupe labels, counters and account leases.
// It is backed by redis when an address is configured, otherwise by an in-process go-cache.
type Store struct {
	kv     store.StoreInterface
	atomic atomicBackend
}

// NewStore connects to redis at redisAddr, falling back to RedisStoreEnvVar and then to memory
func NewStore(ctx context.Context, redisAddr string, maxTimeout, cleanupInterval time.Duration) (*Store, error) {
	if redisAddr == "" {
		redisAddr = os.Getenv(RedisStoreEnvVar)
	}
	if redisAddr != "" {
		return getRedisStore(ctx, redisAddr)
	}

	log.WithContext(ctx).Debug("using in-memory cache store")
	return NewMemoryStore(maxTimeout, cleanupInterval), nil
}

// NewMemoryStore creates a process-local store
func NewMemoryStore(maxTimeout, cleanupInterval time.Duration) *Store {
	goc := gocache.New(maxTimeout, cleanupInterval)
	return &Store{
		kv:     gocache_store.NewGoCache(goc),
		atomic: &memoryAtomic{client: goc},
	}
}

func getRedisStore(ctx context.Context, redisEnvAddr string) (*Store, error) {
	options, err := redis.ParseURL(redisEnvAddr)
	if err != nil {
		options = &redis.Options{Addr: redisEnvAddr}
	}

	redisClient := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err = redisClient.Ping(pingCtx).Result()
	if err != nil {
		return nil, fmt.Errorf("ping redis cache: %w", err)
	}

	log.WithContext(ctx).Infof("using redis cache store at %s", options.Addr)

	return &Store{
		kv:     redis_store.NewRedis(redisClient),
		atomic: &redisAtomic{client: redisClient},
	}, nil
}

// GetType returns the type of the underlying key-value store
func (s *Store) GetType() string {
	return s.kv.GetType()
}
