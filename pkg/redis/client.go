// Package redis wraps the optional Redis backend used to share the
// thinking-signature cache between relay instances. The relay runs fine
// without it; callers fall back to in-memory caches when no client exists.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	PrefixSignatureTool     = "cloudcode:signatures:tool:"
	PrefixSignatureThinking = "cloudcode:signatures:thinking:"
)

// Client wraps a Redis connection with signature-cache operations.
type Client struct {
	rdb *redis.Client
}

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetSignature stores a tool-call signature with TTL.
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureTool+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a tool-call signature, "" when absent.
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureTool+toolUseID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// SetThinkingSignature records which model family produced a signature.
func (c *Client) SetThinkingSignature(ctx context.Context, signature, modelFamily string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureThinking+signature, modelFamily, ttl).Err()
}

// GetThinkingSignature returns the family that produced a signature, ""
// when unknown or expired.
func (c *Client) GetThinkingSignature(ctx context.Context, signature string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureThinking+signature).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// IsNil reports whether err is the not-found sentinel.
func IsNil(err error) bool {
	return err == redis.Nil
}
