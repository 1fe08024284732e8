package store

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Redis keeps the blob in a single hash: one field per top-level key.
type Redis struct {
	rdb *goredis.Client
	key string
}

// NewRedis connects to addr and verifies the connection with PING.
func NewRedis(ctx context.Context, addr, password, key string) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, key: key}, nil
}

func (r *Redis) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key, err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if !json.Valid([]byte(v)) {
			return nil, fmt.Errorf("redis field %s holds invalid json", k)
		}
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func (r *Redis) Save(ctx context.Context, key string, value json.RawMessage) error {
	if err := r.rdb.HSet(ctx, r.key, key, string(value)).Err(); err != nil {
		return fmt.Errorf("redis hset %s/%s: %w", r.key, key, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
