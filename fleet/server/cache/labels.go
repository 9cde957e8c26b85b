package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
)

const (
	lastDomainKey   = "domain:last"
	serverNumberKey = "server:number"
)

// NoticeLabelKey is the dedupe label set once a near-expiry notice went out for the account
func NoticeLabelKey(accountID uint) string {
	return "userChecked:" + strconv.FormatUint(uint64(accountID), 10)
}

// ProcessingKey marks a server whose replacement is already in flight
func ProcessingKey(ip string) string {
	return "processing:server:" + ip
}

// AccountLeaseKey is the lease guarding mutations of one account
func AccountLeaseKey(username string) string {
	return "lock:account:" + username
}

func (s *Store) strings() *cache.Cache[string] {
	return cache.New[string](s.kv)
}

// GetString returns the value stored under key and whether it was present
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.strings().Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.NotFound{}) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s from cache: %w", key, err)
	}
	return v, true, nil
}

// HasLabel reports whether key is present and not expired
func (s *Store) HasLabel(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.GetString(ctx, key)
	return ok, err
}

// SetLabel stores value under key for ttl
func (s *Store) SetLabel(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.strings().Set(ctx, key, value, store.WithExpiration(ttl)); err != nil {
		return fmt.Errorf("set %s in cache: %w", key, err)
	}
	return nil
}

// DeleteLabel removes key
func (s *Store) DeleteLabel(ctx context.Context, key string) error {
	if err := s.strings().Delete(ctx, key); err != nil && !errors.Is(err, store.NotFound{}) {
		return fmt.Errorf("delete %s from cache: %w", key, err)
	}
	return nil
}

// SetLabelIfAbsent stores value under key for ttl only when key is not set yet.
// It reports whether this call created the label.
func (s *Store) SetLabelIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.atomic.setNX(ctx, key, value, ttl)
	if err != nil {
		return false, fmt.Errorf("set %s in cache: %w", key, err)
	}
	return ok, nil
}

// LastDomain returns the most recently registered domain name, if known
func (s *Store) LastDomain(ctx context.Context) (string, bool, error) {
	return s.GetString(ctx, lastDomainKey)
}

// SetLastDomain records name as the most recently registered domain
func (s *Store) SetLastDomain(ctx context.Context, name string) error {
	return s.SetLabel(ctx, lastDomainKey, name, 0)
}

// NextServerNumber atomically increments and returns the provisioning name counter
func (s *Store) NextServerNumber(ctx context.Context) (int64, error) {
	n, err := s.atomic.incr(ctx, serverNumberKey)
	if err != nil {
		return 0, fmt.Errorf("increment server number: %w", err)
	}
	return n, nil
}
