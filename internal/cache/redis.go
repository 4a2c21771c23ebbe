// Package cache keeps short-lived JSON projections in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Client struct {
	Cli    *redis.Client
	prefix string
}

// NewRedis connects and pings. The caller owns Close.
func NewRedis(ctx context.Context, o Options) (*Client, error) {
	r := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis ping %s: %w", o.Addr, err)
	}
	return &Client{Cli: r, prefix: o.Prefix}, nil
}

func (c *Client) Close() error {
	return c.Cli.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Cli.Ping(ctx).Err()
}

// GetJSON decodes the value at key into dst. A missing key is ok=false with
// a nil error.
func (c *Client) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	b, err := c.Cli.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Cli.Set(ctx, c.prefix+key, b, ttl).Err()
}

// Invalidate drops every key under the client prefix followed by pattern.
func (c *Client) Invalidate(ctx context.Context, pattern string) (int, error) {
	var n int
	iter := c.Cli.Scan(ctx, 0, c.prefix+pattern+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.Cli.Del(ctx, iter.Val()).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Err()
}
