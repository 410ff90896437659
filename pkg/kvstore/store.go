package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/config"
	"github.com/fkchat/fkchat/pkg/log"
)

// Tagged error kinds returned by the store.
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrValueExpired     = errors.New("value expired")
	ErrValueMismatch    = errors.New("value mismatch")
	ErrOperationFailed  = errors.New("operation failed")
	ErrConnectionFailed = errors.New("connection failed")
)

// Commands is the subset of the redis client surface the store uses.
// *redis.Client satisfies it; tests substitute a fake.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd

	redis.Scripter
}

// Store is a thin facade over the key/value service. It owns no domain
// logic beyond the verification-code and token-record helpers.
type Store struct {
	client Commands
	logger zerolog.Logger
}

// NewStore wraps an already-constructed client.
func NewStore(client Commands) *Store {
	return &Store{
		client: client,
		logger: log.WithComponent("kvstore"),
	}
}

// Dial connects to the configured redis instance and wraps it.
func Dial(cfg config.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewStore(client)
}

// Get returns the value stored at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", mapError(err)
	}
	return val, nil
}

// Set stores value at key with the given TTL; ttl of zero means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Del removes key. Deleting an absent key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key. A negative duration means the
// key has no expiry set.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, mapError(err)
	}
	return d, nil
}

// Scan returns all keys matching pattern. The cursor loop is internal;
// callers get the full key set.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapError(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// mapError translates redis client errors into the store's tagged kinds.
func mapError(err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return ErrKeyNotFound
	case isNetworkError(err):
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded)
}
