package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/cache"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

// RedisStore keeps records as JSON under SETNX keys; redis expiry does the
// cleanup, so DeleteExpired has nothing to do.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Begin(ctx context.Context, rec models.IdempotencyRecord) (models.IdempotencyRecord, bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec.State = models.IdemInProgress
	data, err := json.Marshal(rec)
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	key := cache.IdempotencyKey(rec.UserID, rec.Key)

	// The existing key can expire between SETNX and GET; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.rdb.SetNX(ctx, key, data, ttl).Result()
		if err != nil {
			return models.IdempotencyRecord{}, false, fmt.Errorf("idempotency setnx: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		existing, err := s.get(ctx, key)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		return existing, false, err
	}
	return models.IdempotencyRecord{}, false, apperr.ErrIdempotencyInProgress
}

func (s *RedisStore) Complete(ctx context.Context, userID, key string, status int, body []byte) error {
	k := cache.IdempotencyKey(userID, key)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec models.IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.State != models.IdemInProgress {
			return apperr.ErrNotFound
		}
		rec.State = models.IdemCompleted
		rec.StatusCode = status
		rec.ResponseBody = body
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SetArgs(ctx, k, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}, k)
}

// Abandon deletes the key only while it is still in progress.
func (s *RedisStore) Abandon(ctx context.Context, userID, key string) error {
	k := cache.IdempotencyKey(userID, key)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, k)
		if err != nil {
			return err
		}
		if rec.State != models.IdemInProgress {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) DeleteExpired(context.Context, time.Time, int) (int64, error) { return 0, nil }

func (s *RedisStore) get(ctx context.Context, key string) (models.IdempotencyRecord, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.IdempotencyRecord{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.IdempotencyRecord{}, err
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}
