package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 3 * time.Second

// Redis stores keys in a Redis server.
type Redis struct {
	client *redis.Client
	addr   string
}

// NewRedis creates a client; no connection is made until the first command.
func NewRedis(opts Options) *Redis {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	addr := opts.Addr()
	return &Redis{
		addr: addr,
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  dial,
			ReadTimeout:  dial,
			WriteTimeout: dial,
			MaxRetries:   1,
		}),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.classify("get "+key, err)
	}
	return value, true, nil
}

func (r *Redis) SetMany(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]any, 0, len(values)*2)
	for _, k := range keys {
		pairs = append(pairs, k, values[k])
	}
	// MSET is atomic on the server.
	if err := r.client.MSet(ctx, pairs...).Err(); err != nil {
		return r.classify("mset", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.classify("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// classify separates server replies (auth, wrong type) from transport failures.
func (r *Redis) classify(op string, err error) error {
	var reply redis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("store: redis %s at %s: %w", op, r.addr, err)
	}
	return unreachable(fmt.Sprintf("redis %s at %s", op, r.addr), err)
}
