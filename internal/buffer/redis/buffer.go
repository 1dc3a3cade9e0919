// Package redis implements the shared buffer store on Redis: per-site event
// lists, atomic fixed-window rate counters and the processor drain lease.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/id/uuid"
	"github.com/clever-search/tracker/internal/tracking"
)

// incrementScript bumps the counter and arms its expiry on the first hit, or
// whenever the key somehow lost its TTL, so a window can never become permanent.
var incrementScript = goredis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

var peekScript = goredis.NewScript(`
local c = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
return {c, ttl}
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options configures a Store.
type Options struct {
	KeyPrefix string
	Clock     tracking.Clock
	Logger    *zap.Logger
}

// Store is the Redis-backed buffer store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	clock  tracking.Clock
	logger *zap.Logger
}

// NewClient dials Redis with the given settings.
func NewClient(addr, password string, db int, dialTimeout time.Duration) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: dialTimeout,
	})
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		prefix: opts.KeyPrefix,
		clock:  opts.Clock,
		logger: logger.Named("buffer"),
	}
}

func (s *Store) eventsKey(siteID string) string { return s.prefix + "events:" + siteID }
func (s *Store) counterKey(key string) string   { return s.prefix + "ratelimit:" + key }
func (s *Store) lockKey(name string) string     { return s.prefix + "lock:" + name }

// Append pushes event onto the tail of the site's list.
func (s *Store) Append(ctx context.Context, siteID string, event tracking.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.RPush(ctx, s.eventsKey(siteID), payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", siteID, err)
	}
	return nil
}

// PopBatch reads up to maxCount events from the head of the list without
// removing them. Entries that fail to decode come back as zero events so the
// processor skips and trims them.
func (s *Store) PopBatch(ctx context.Context, siteID string, maxCount int) ([]tracking.Event, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(siteID), 0, int64(maxCount-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", siteID, err)
	}
	events := make([]tracking.Event, len(raw))
	for i, entry := range raw {
		if err := json.Unmarshal([]byte(entry), &events[i]); err != nil {
			s.logger.Warn("undecodable buffered event",
				zap.String("site_id", siteID),
				zap.Int("position", i),
				zap.Error(err),
			)
			events[i] = tracking.Event{}
		}
	}
	return events, nil
}

// RemoveBatch trims count entries from the head of the list. Producers only
// push to the tail, so concurrent appends survive the trim.
func (s *Store) RemoveBatch(ctx context.Context, siteID string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, s.eventsKey(siteID), int64(count), -1).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", siteID, err)
	}
	return nil
}

// Len reports the list length.
func (s *Store) Len(ctx context.Context, siteID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.eventsKey(siteID)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", siteID, err)
	}
	return n, nil
}

// IncrementAndCheck atomically bumps the counter for key.
func (s *Store) IncrementAndCheck(ctx context.Context, key string, maxCount int, window time.Duration) (tracking.Verdict, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.counterKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return tracking.Verdict{}, fmt.Errorf("increment %s: %w", key, err)
	}
	return s.verdict(vals, maxCount, window, true)
}

// Peek reads the counter for key without incrementing it.
func (s *Store) Peek(ctx context.Context, key string, maxCount int, window time.Duration) (tracking.Verdict, error) {
	vals, err := peekScript.Run(ctx, s.client, []string{s.counterKey(key)}).Int64Slice()
	if err != nil {
		return tracking.Verdict{}, fmt.Errorf("peek %s: %w", key, err)
	}
	return s.verdict(vals, maxCount, window, false)
}

func (s *Store) verdict(vals []int64, maxCount int, window time.Duration, incremented bool) (tracking.Verdict, error) {
	if len(vals) != 2 {
		return tracking.Verdict{}, fmt.Errorf("unexpected counter reply %v", vals)
	}
	count, ttlMs := vals[0], vals[1]
	ttl := window
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	limit := int64(maxCount)
	allowed := count < limit
	if incremented {
		allowed = count <= limit
	}
	return tracking.Verdict{
		Allowed:   allowed,
		Count:     count,
		Remaining: max(0, limit-count),
		ResetAt:   s.clock.Now().Add(ttl),
	}, nil
}

// TryLock takes the named lease with SET NX PX. The returned release deletes
// the key only while this holder's token is still stored.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := s.lockKey(name)
	token := uuid.NewToken()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, s.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
