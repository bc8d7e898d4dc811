package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "currencyspot:fetch_cursor"

// RedisCursor keeps the fetch cursor in a single Redis string key, apart
// from the rate store.
type RedisCursor struct {
	client redis.UniversalClient
	key    string
}

// NewRedisClient creates a client and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisCursor(client redis.UniversalClient, key string) *RedisCursor {
	if key == "" {
		key = DefaultKey
	}
	return &RedisCursor{client: client, key: key}
}

func (r *RedisCursor) Load(ctx context.Context) (*time.Time, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: redis get %s: %v", model.ErrStorage, r.key, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt fetch cursor %q: %v", model.ErrStorage, raw, err)
	}
	return &ts, nil
}

func (r *RedisCursor) Save(ctx context.Context, ts time.Time) error {
	if err := r.client.Set(ctx, r.key, ts.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set %s: %v", model.ErrStorage, r.key, err)
	}
	return nil
}

func (r *RedisCursor) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("%w: redis del %s: %v", model.ErrStorage, r.key, err)
	}
	return nil
}
