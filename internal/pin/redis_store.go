package pin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pinKeyPrefix     = "cerberus:pin:fp:"
	sessionKeyPrefix = "cerberus:pin:session:"
)

// RedisStore keeps pins in Redis with native TTL expiry, so every router
// replica sees the same pin table. A per-session set of fingerprints backs
// unpin-by-session.
type RedisStore struct {
	rdb *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("Redis pin store connected", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Put(ctx context.Context, p Pin) error {
	ttl := time.Until(p.PinnedUntil)
	if ttl <= 0 {
		// Already expired; storing it would be a no-op read-side anyway.
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pin: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, pinKeyPrefix+p.Fingerprint, data, ttl)
	sessionKey := sessionKeyPrefix + p.SessionID
	pipe.SAdd(ctx, sessionKey, p.Fingerprint)
	// The index must outlive the longest pin under it; refreshing to this
	// pin's TTL is enough because members are validated on read.
	pipe.Expire(ctx, sessionKey, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store pin %s: %w", p.Fingerprint, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Pin, bool) {
	data, err := s.rdb.Get(ctx, pinKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("Pin lookup failed", "fingerprint", fingerprint, "error", err)
		}
		return nil, false
	}

	var p Pin
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("Corrupt pin record", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	// TTL usually beats us to it; the check covers clock skew.
	if p.Expired(time.Now().UTC()) {
		s.rdb.Del(ctx, pinKeyPrefix+fingerprint)
		return nil, false
	}
	return &p, true
}

func (s *RedisStore) GetBySession(ctx context.Context, sessionID string) (*Pin, bool) {
	members, err := s.rdb.SMembers(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, false
	}
	for _, fp := range members {
		if p, ok := s.Get(ctx, fp); ok {
			return p, true
		}
		s.rdb.SRem(ctx, sessionKeyPrefix+sessionID, fp)
	}
	return nil, false
}

func (s *RedisStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	sessionKey := sessionKeyPrefix + sessionID
	members, err := s.rdb.SMembers(ctx, sessionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("session index %s: %w", sessionID, err)
	}

	removed := 0
	for _, fp := range members {
		n, err := s.rdb.Del(ctx, pinKeyPrefix+fp).Result()
		if err != nil {
			return removed, fmt.Errorf("delete pin %s: %w", fp, err)
		}
		removed += int(n)
	}
	s.rdb.Del(ctx, sessionKey)
	return removed, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Pin, error) {
	var out []Pin
	iter := s.rdb.Scan(ctx, 0, pinKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var p Pin
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		if !p.Expired(time.Now().UTC()) {
			out = append(out, p)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pins: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (total, active int, err error) {
	pins, err := s.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	// TTL prunes expired keys, so total and active coincide here.
	return len(pins), len(pins), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
