package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// scriptBudget caps server-side script evaluation. A settlement that cannot
// finish inside the budget is treated as failed and escalated by the lane.
const scriptBudget = 100 * time.Millisecond

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the typed wrapper over the operational key/value server. It owns
// all hot-path reads and writes: hashes, sorted sets, lists, counters and
// scripted atomic blocks.
type Store struct {
	rdb *redis.Client
	log *zap.Logger

	freezeScript   *redis.Script
	unfreezeScript *redis.Script
	tradeScript    *redis.Script
}

// Open connects to the operational store at addr.
func Open(addr, password string, db int, logger *zap.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(client, logger)
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rdb:            client,
		log:            logger.With(zap.String("component", "store")),
		freezeScript:   redis.NewScript(freezeLua),
		unfreezeScript: redis.NewScript(unfreezeLua),
		tradeScript:    redis.NewScript(executeTradeLua),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks connectivity and returns the round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("store ping: %w", err)
	}
	return time.Since(start), nil
}

// ---- Hash ----

func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.rdb.HSet(ctx, key, fields).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// ---- Sorted set ----

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRange returns members in rank order; ascending=false walks from the
// highest score down.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64, ascending bool) ([]string, error) {
	if ascending {
		return s.rdb.ZRange(ctx, key, start, stop).Result()
	}
	return s.rdb.ZRevRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.ZRem(ctx, key, toInterfaces(members)...).Err()
}

// ---- List ----

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	return s.rdb.LPush(ctx, key, toInterfaces(values)...).Err()
}

func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// RPopLPush atomically moves the tail of src to the head of dst.
func (s *Store) RPopLPush(ctx context.Context, src, dst string) (string, error) {
	v, err := s.rdb.RPopLPush(ctx, src, dst).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// ---- Counter ----

// Incr returns the next value of a monotonically increasing named counter.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// ---- Misc ----

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// GetInt reads an integer value, ErrNotFound when the key is absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return v, err
}

// runScript evaluates a script within the server-side time budget and
// normalises the 0/1 reply into a bool.
func (s *Store) runScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, scriptBudget)
	defer cancel()

	n, err := script.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("script eval: %w", err)
	}
	return n == 1, nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
