package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teampulse/teampulse/pkg/logger"
)

// RedisConfig captures the connection parameters for the shared store.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const (
	defaultRedisTimeout = 3 * time.Second
	redisKeyPrefix      = "teampulse:"

	// Minimum pause between reconnection probes after a transport failure.
	probeInterval = 5 * time.Second

	scanBatch = 200
)

// RedisStore wraps a go-redis client with an availability flag. A transport
// failure marks the store unavailable; a later call schedules a background
// ping so the request path never blocks on reconnection.
type RedisStore struct {
	client    *redis.Client
	timeout   time.Duration
	available atomic.Bool
	probing   atomic.Bool
	lastProbe atomic.Int64 // unix nanos
	log       *zap.Logger
}

// NewRedisStore creates a shared store client. The connection is probed
// eagerly so misconfiguration surfaces during startup, but a failed probe
// returns a usable (degraded) store rather than an error: the caller decides
// whether degraded startup is acceptable.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	store := &RedisStore{
		client:  redis.NewClient(opts),
		timeout: cfg.Timeout,
		log:     logger.WithModule("cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := store.client.Ping(ctx).Err(); err != nil {
		store.log.Warn("redis unreachable at startup", zap.Error(err))
		store.available.Store(false)
	} else {
		store.available.Store(true)
	}
	store.lastProbe.Store(time.Now().UnixNano())

	return store, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Available reports whether the last command (or probe) reached the backend.
func (s *RedisStore) Available() bool {
	if !s.available.Load() {
		s.maybeProbe()
	}
	return s.available.Load()
}

// Get retrieves the value associated with a key. A missing key returns
// (nil, false, nil); only transport failures produce an error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.markSuccess()
		return nil, false, nil
	}
	if err != nil {
		s.markFailure(err)
		return nil, false, err
	}
	s.markSuccess()
	return value, true, nil
}

// Set stores a value with the supplied TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.prefixed(key), value, ttl).Err(); err != nil {
		s.markFailure(err)
		return err
	}
	s.markSuccess()
	return nil
}

// Delete removes one or more keys, ignoring missing keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefixed(key)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		s.markFailure(err)
		return err
	}
	s.markSuccess()
	return nil
}

// DeleteByPattern removes every key starting with the supplied prefix and
// returns the number of keys deleted.
func (s *RedisStore) DeleteByPattern(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		cursor  uint64
		deleted int64
	)
	pattern := s.prefixed(prefix) + "*"

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			s.markFailure(err)
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				s.markFailure(err)
				return deleted, err
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.markSuccess()
	return deleted, nil
}

// SAdd adds a member to a set-valued key and refreshes its TTL.
func (s *RedisStore) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	prefixedKey := s.prefixed(key)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, prefixedKey, member)
	if ttl > 0 {
		pipe.Expire(ctx, prefixedKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.markFailure(err)
		return err
	}
	s.markSuccess()
	return nil
}

// SRem removes a member from a set-valued key and returns the remaining
// cardinality so the caller can delete emptied entries.
func (s *RedisStore) SRem(ctx context.Context, key, member string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	prefixedKey := s.prefixed(key)
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, prefixedKey, member)
	card := pipe.SCard(ctx, prefixedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markFailure(err)
		return 0, err
	}
	s.markSuccess()
	return card.Val(), nil
}

// SMembers returns all members of a set-valued key; a missing key yields an
// empty slice.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.prefixed(key)).Result()
	if err != nil {
		s.markFailure(err)
		return nil, err
	}
	s.markSuccess()
	return members, nil
}

// Ping probes the backend directly; used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.markFailure(err)
		return err
	}
	s.markSuccess()
	return nil
}

func (s *RedisStore) prefixed(key string) string {
	if strings.HasPrefix(key, redisKeyPrefix) {
		return key
	}
	return redisKeyPrefix + key
}

// opContext bounds every store call so a hung backend cannot wedge the
// caller's event loop.
func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStore) markSuccess() {
	if s.available.CompareAndSwap(false, true) {
		s.log.Info("redis connection restored")
	}
}

func (s *RedisStore) markFailure(err error) {
	if s.available.CompareAndSwap(true, false) {
		s.log.Warn("redis marked unavailable", zap.Error(err))
	}
	s.lastProbe.Store(time.Now().UnixNano())
}

// maybeProbe schedules a background ping when the store has been unavailable
// for longer than probeInterval. The request path never waits on it.
func (s *RedisStore) maybeProbe() {
	last := time.Unix(0, s.lastProbe.Load())
	if time.Since(last) < probeInterval {
		return
	}
	if !s.probing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.probing.Store(false)
		s.lastProbe.Store(time.Now().UnixNano())

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.client.Ping(ctx).Err(); err == nil {
			s.markSuccess()
		}
	}()
}
