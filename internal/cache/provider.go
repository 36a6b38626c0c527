package cache

import (
	"context"
	"errors"
	"time"
)

// Message is one entry received from a pub/sub subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Provider defines the cache and pub/sub operations needed by the service.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX pretends to store the value and reports success.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Keys reports no matches.
func (NoopProvider) Keys(context.Context, string) ([]string, error) {
	return nil, nil
}

// Publish discards the payload.
func (NoopProvider) Publish(context.Context, string, []byte) error { return nil }

// Subscribe returns a channel that never delivers and closes with the context.
func (NoopProvider) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Ping always succeeds.
func (NoopProvider) Ping(context.Context) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
