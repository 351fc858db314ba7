package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Client provides the worker bus operations on top of Redis: streams with
// consumer groups, Pub/Sub, and TTL'd keys. The client is safe for
// concurrent use from multiple goroutines.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a bus client from Redis connection options.
func NewClient(opts *redis.Options) *Client {
	return &Client{rdb: redis.NewClient(opts)}
}

// NewClientFromURL creates a bus client from a redis:// URL.
func NewClientFromURL(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts), nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis returns the underlying Redis client for advanced operations.
// This is primarily for testing purposes. Use the Client methods when possible.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// retryPolicy returns the bounded exponential backoff applied to transient
// broker writes. After the budget the last error surfaces to the caller.
func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}

// isTransient reports whether an error is worth retrying. Validation and
// context errors are permanent.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// EnsureGroup creates a consumer group on a stream, creating the stream if
// it does not exist. An already-existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Add serializes payload as JSON under the single "data" field and appends
// it to the stream. Transient failures are retried with a bounded backoff.
func (c *Client) Add(ctx context.Context, stream string, payload any) (string, error) {
	fields, err := EncodeData(payload)
	if err != nil {
		return "", err
	}

	var id string
	op := func() error {
		var addErr error
		id, addErr = c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Result()
		if addErr != nil && !isTransient(addErr) {
			return backoff.Permanent(addErr)
		}
		return addErr
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// ReadGroup block-reads up to count pending-new entries from a stream on
// behalf of a consumer group member. A nil slice with nil error means the
// block timeout elapsed without messages.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var messages []Message
	for _, str := range res {
		for _, entry := range str.Messages {
			messages = append(messages, Message{ID: entry.ID, Values: entry.Values})
		}
	}
	return messages, nil
}

// Ack acknowledges a consumer-group entry. Retried on transient failure:
// a lost ACK means redelivery, and consumers must stay idempotent.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	op := func() error {
		err := c.rdb.XAck(ctx, stream, group, id).Err()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// ReadAfter returns stream entries strictly after lastID ("-" reads from the
// start). Used by watchers and response correlation, not consumer groups.
func (c *Client) ReadAfter(ctx context.Context, stream, lastID string) ([]Message, error) {
	start := "-"
	if lastID != "" && lastID != "-" {
		start = "(" + lastID
	}
	entries, err := c.rdb.XRange(ctx, stream, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range stream %s: %w", stream, err)
	}
	var messages []Message
	for _, entry := range entries {
		messages = append(messages, Message{ID: entry.ID, Values: entry.Values})
	}
	return messages, nil
}

// LastID returns the id of the newest entry on a stream, or "0-0" for an
// empty or missing stream.
func (c *Client) LastID(ctx context.Context, stream string) (string, error) {
	entries, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("failed to inspect stream %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

// SetWithTTL writes a string key with an expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetNXWithTTL writes a string key with an expiry only if it does not exist.
// Returns whether the write won.
func (c *Client) SetNXWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// Get reads a string key. Returns ("", nil) when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// Expire refreshes a key's TTL if the key exists.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// HSet writes fields into a hash.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := c.rdb.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("failed to hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads a whole hash. Returns an empty map for a missing key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return res, nil
}

// Publish sends a raw payload on a Pub/Sub channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw Pub/Sub payloads. The subscription is
// closed when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, channel string) <-chan string {
	pubsub := c.rdb.Subscribe(ctx, channel)
	out := make(chan string, 10)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
