// Package redis stores room snapshots in Redis. Snapshots are JSON strings;
// two sorted sets index rooms by update time and by finalize time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/internal/store"
	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

const defaultPrefix = "stonepot:"

type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New wraps client. prefix namespaces every key; empty uses "stonepot:".
func New(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	logger.Info("Redis store connected", zap.String("addr", addr))
	return New(client, "", logger), nil
}

func (s *Store) roomKey(id string) string { return s.prefix + "room:" + id }
func (s *Store) indexKey() string         { return s.prefix + "rooms" }
func (s *Store) finalizedKey() string     { return s.prefix + "rooms:finalized" }

func (s *Store) Save(ctx context.Context, room *protocol.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.roomKey(room.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: room.ID,
		})
		if room.FinalizedAt != nil {
			pipe.ZAdd(ctx, s.finalizedKey(), &redis.Z{
				Score:  float64(room.FinalizedAt.UnixMilli()),
				Member: room.ID,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", room.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, roomID string) (*protocol.Room, error) {
	val, err := s.client.Get(ctx, s.roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}

	var room protocol.Room
	if err := json.Unmarshal(val, &room); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *Store) Delete(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(roomID))
		pipe.ZRem(ctx, s.indexKey(), roomID)
		pipe.ZRem(ctx, s.finalizedKey(), roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]store.Summary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.roomKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	summaries := make([]store.Summary, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a snapshot; skip it.
			continue
		}
		var room protocol.Room
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			s.logger.Warn("Skipping undecodable snapshot", zap.String("room_id", ids[i]), zap.Error(err))
			continue
		}
		summaries = append(summaries, store.Summarize(&room))
	}
	return summaries, nil
}

func (s *Store) FinalizedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.finalizedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list finalized rooms: %w", err)
	}
	return ids, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	rooms, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return stats, err
	}
	finalized, err := s.client.ZCard(ctx, s.finalizedKey()).Result()
	if err != nil {
		return stats, err
	}
	stats.Rooms = int(rooms)
	stats.Finalized = int(finalized)
	return stats, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
