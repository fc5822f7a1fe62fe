package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "codesync:snapshot:"

// RedisStore keeps snapshots in Redis so they survive a process restart while a
// room is still populated. Snapshots of open rooms never expire; closing the
// room deletes them. orphanTTL only applies to keys that Reclaim finds with no
// open room behind them, such as those left by a crashed instance.
type RedisStore struct {
	rdb       *redis.Client
	orphanTTL time.Duration
}

var _ SnapshotStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, orphanTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, orphanTTL: orphanTTL}
}

func snapshotKey(roomID string) string { return snapshotKeyPrefix + roomID }

func (s *RedisStore) Get(ctx context.Context, roomID string) (string, error) {
	text, err := s.rdb.Get(ctx, snapshotKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get snapshot %s: %w", roomID, err)
	}
	return text, nil
}

// Set writes text with no expiry, clearing any expiry Reclaim applied.
func (s *RedisStore) Set(ctx context.Context, roomID, text string) error {
	if err := s.rdb.Set(ctx, snapshotKey(roomID), text, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", roomID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, snapshotKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", roomID, err)
	}
	return nil
}

// Reclaim persists the snapshots of live rooms and gives every other snapshot
// without an expiry the orphan TTL. It returns the number of keys expired.
func (s *RedisStore) Reclaim(ctx context.Context, live []string) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, roomID := range live {
		key := snapshotKey(roomID)
		keep[key] = struct{}{}
		if err := s.rdb.Persist(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("persist snapshot %s: %w", roomID, err)
		}
	}
	if s.orphanTTL <= 0 {
		return 0, nil
	}

	expired := 0
	iter := s.rdb.Scan(ctx, 0, snapshotKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := keep[key]; ok {
			continue
		}
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			return expired, fmt.Errorf("ttl of %s: %w", key, err)
		}
		// -1: no expiry set. -2: deleted since the scan.
		if ttl != -1 {
			continue
		}
		if err := s.rdb.Expire(ctx, key, s.orphanTTL).Err(); err != nil {
			return expired, fmt.Errorf("expire %s: %w", key, err)
		}
		expired++
	}
	if err := iter.Err(); err != nil {
		return expired, fmt.Errorf("scan snapshots: %w", err)
	}
	return expired, nil
}
