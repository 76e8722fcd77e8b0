package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/panierlocal/surplus-reservations/internal/geo"
)

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) GetPoint(ctx context.Context, address string) (*geo.Point, error) {
	val, err := c.client.Get(ctx, "geo:"+address).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p geo.Point
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Cache) SetPoint(ctx context.Context, address string, p geo.Point) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "geo:"+address, data, c.ttl).Err()
}
