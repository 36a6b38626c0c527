package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-sentinel/internal/cache"
)

// Mirror fans published events out to an external broker so sibling
// sentinel instances can replay them on their own buses.
type Mirror interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Receiver is implemented by mirrors that can also consume events
// published by other instances.
type Receiver interface {
	Receive(ctx context.Context, channel string) (<-chan []byte, error)
}

// MirrorOptions selects and configures the mirror transport.
type MirrorOptions struct {
	Type          string
	NATSUrl       string
	SubjectPrefix string
}

// NewMirror builds the configured mirror transport, or nil when mirroring is off.
func NewMirror(opts MirrorOptions, provider cache.Provider) (Mirror, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Type)) {
	case "", "none":
		return nil, nil
	case "valkey":
		if provider == nil {
			return nil, fmt.Errorf("valkey mirror requires a cache provider")
		}
		return &valkeyMirror{provider: provider, prefix: opts.SubjectPrefix}, nil
	case "nats":
		nc, err := nats.Connect(opts.NATSUrl, nats.Name("mirador-sentinel"))
		if err != nil {
			return nil, fmt.Errorf("connect nats mirror: %w", err)
		}
		return &natsMirror{nc: nc, prefix: opts.SubjectPrefix}, nil
	default:
		return nil, fmt.Errorf("unsupported mirror type: %s", opts.Type)
	}
}

func mirrorSubject(prefix, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + "." + channel
}

// valkeyMirror relays events over valkey pub/sub using the shared cache provider.
type valkeyMirror struct {
	provider cache.Provider
	prefix   string
}

func (m *valkeyMirror) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.provider.Publish(ctx, mirrorSubject(m.prefix, channel), payload)
}

func (m *valkeyMirror) Receive(ctx context.Context, channel string) (<-chan []byte, error) {
	msgs, err := m.provider.Subscribe(ctx, mirrorSubject(m.prefix, channel))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op: the cache provider is shared and owned by the caller.
func (m *valkeyMirror) Close() error {
	return nil
}

// natsMirror relays events over core NATS subjects.
type natsMirror struct {
	nc     *nats.Conn
	prefix string
}

func (m *natsMirror) Publish(_ context.Context, channel string, payload []byte) error {
	return m.nc.Publish(mirrorSubject(m.prefix, channel), payload)
}

func (m *natsMirror) Receive(ctx context.Context, channel string) (<-chan []byte, error) {
	inbox := make(chan *nats.Msg, 64)
	sub, err := m.nc.ChanSubscribe(mirrorSubject(m.prefix, channel), inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbox:
				if !ok {
					return
				}
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *natsMirror) Close() error {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return err
	}
	return nil
}
