package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/log"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

const (
	DefaultRedisURL         = "redis://localhost:6379/0"
	DefaultRedisKeyPrefix   = "scrapy:dupefilter"
	DefaultRedisDialTimeout = 5 * time.Second
	DefaultRedisOpTimeout   = 2 * time.Second
	DefaultRedisScanCount   = 500
)

var redisLoggerOnce sync.Once

// RedisOptions configures the durable-kv backend
type RedisOptions struct {
	URL         string
	KeyPrefix   string        // Keys are {KeyPrefix}:{fingerprint}
	DialTimeout time.Duration
	OpTimeout   time.Duration // Bound on each round trip
	ScanCount   int64         // SCAN page size for Clear and Count
}

// RedisStore implements Backend on a shared Redis server; SETNX is the atomic claim
type RedisStore struct {
	opts RedisOptions
	log  *logrus.Entry

	mu     sync.RWMutex
	client *redis.Client
}

// WithDefaults fills unset fields with the package defaults
func (opts RedisOptions) WithDefaults() RedisOptions {
	if opts.URL == "" {
		opts.URL = DefaultRedisURL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultRedisKeyPrefix
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultRedisDialTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultRedisOpTimeout
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = DefaultRedisScanCount
	}
	return opts
}

// NewRedisStore returns an unopened RedisStore, filling unset options with defaults
func NewRedisStore(opts RedisOptions, logger *logrus.Entry) *RedisStore {
	return &RedisStore{opts: opts.WithDefaults(), log: logger}
}

func (s *RedisStore) key(fingerprint string) string {
	return s.opts.KeyPrefix + ":" + fingerprint
}

// Open implements Backend: connects and PINGs the server
func (s *RedisStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	redisLoggerOnce.Do(func() {
		redis.SetLogger(log.NewRedisLogrusAdapter(s.log.WithField("component", "go-redis")))
	})

	redisOpts, err := redis.ParseURL(s.opts.URL)
	if err != nil {
		return fmt.Errorf("%w: parse redis url: %w", utils.ErrConnection, err)
	}
	redisOpts.DialTimeout = s.opts.DialTimeout
	redisOpts.ReadTimeout = s.opts.OpTimeout
	redisOpts.WriteTimeout = s.opts.OpTimeout
	redisOpts.ContextTimeoutEnabled = true

	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout+s.opts.OpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return s.wrapError("ping "+redisOpts.Addr, err)
	}

	s.client = client
	s.log.Infof("Redis seen-set connected at %s (prefix %q)", redisOpts.Addr, s.opts.KeyPrefix)
	return nil
}

// wrapError maps go-redis failures onto the package error taxonomy
// Timeouts carry both ErrTimeout and ErrConnection
func (s *RedisStore) wrapError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w: redis %s after %v: %w", utils.ErrTimeout, utils.ErrConnection, op, s.opts.OpTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		// The server answered, so the link is fine; the command itself failed
		return fmt.Errorf("%w: redis %s: %w", utils.ErrIO, op, err)
	}
	return fmt.Errorf("%w: redis %s: %w", utils.ErrConnection, op, err)
}

// ClaimOrSeen implements Backend
func (s *RedisStore) ClaimOrSeen(ctx context.Context, fingerprint string) (bool, error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return false, utils.ErrNotOpen
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	created, err := s.client.SetNX(opCtx, s.key(fingerprint), strconv.FormatInt(time.Now().Unix(), 10), 0).Result()
	if err != nil {
		return false, s.wrapError("setnx", err)
	}
	return !created, nil
}

// scanKeys walks every key under the prefix one SCAN page at a time
func (s *RedisStore) scanKeys(ctx context.Context, fn func(keys []string) error) error {
	pattern := s.opts.KeyPrefix + ":*"
	var cursor uint64
	for {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, s.opts.ScanCount).Result()
		cancel()
		if err != nil {
			return s.wrapError("scan", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Clear implements Backend: deletes every key under the prefix
// Administrative; a failure part way leaves the remaining keys and is not retried
func (s *RedisStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return utils.ErrNotOpen
	}
	var deleted int64
	err := s.scanKeys(ctx, func(keys []string) error {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		defer cancel()
		n, err := s.client.Del(opCtx, keys...).Result()
		if err != nil {
			return s.wrapError("del", err)
		}
		deleted += n
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infof("Cleared %d fingerprints under %s:*", deleted, s.opts.KeyPrefix)
	return nil
}

// Count implements Counter
// SCAN may return a key twice while the keyspace is rehashing, so keys are deduplicated
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return 0, utils.ErrNotOpen
	}
	unique := make(map[string]struct{})
	err := s.scanKeys(ctx, func(keys []string) error {
		for _, k := range keys {
			unique[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(unique), nil
}

// Close implements Backend
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return fmt.Errorf("%w: close redis client: %w", utils.ErrConnection, err)
	}
	return nil
}
