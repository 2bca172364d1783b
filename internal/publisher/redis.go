package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedis adapts go-redis v9 to the Client interface.
type GoRedis struct {
	rdb *redis.Client
}

// DialRedis connects to addr and verifies the connection with a ping.
func DialRedis(addr string) (*GoRedis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &GoRedis{rdb: rdb}, nil
}

func (g *GoRedis) Publish(ctx context.Context, channel string, message []byte) error {
	return g.rdb.Publish(ctx, channel, message).Err()
}

func (g *GoRedis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.rdb.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedis) Close() error {
	return g.rdb.Close()
}
