// Package bus implements the in-process publish/subscribe channel fabric the
// agents communicate over, with an optional mirror that fans events out to
// other engine instances.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Handler consumes events delivered to a subscription.
type Handler func(models.Event)

// Options tunes bus capacity and identity.
type Options struct {
	RingSize      int
	QueueSize     int
	Origin        string
	Mirror        Mirror
	MirrorTimeout time.Duration
}

type subscriber struct {
	id      string
	channel string
	name    string
	ch      chan models.Event
}

// Bus routes events to per-channel subscribers. Delivery to each subscriber
// runs on its own goroutine with a bounded queue; a slow consumer loses
// events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	byID   map[string]*subscriber
	ring   []models.Event
	closed bool

	ringCap       int
	queueCap      int
	origin        string
	mirror        Mirror
	mirrorCh      chan models.Event
	mirrorTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New builds a Bus and, when a mirror is configured, starts its outbound pump.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = 1000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		subs:          make(map[string][]*subscriber),
		byID:          make(map[string]*subscriber),
		ring:          make([]models.Event, 0, opts.RingSize),
		ringCap:       opts.RingSize,
		queueCap:      opts.QueueSize,
		origin:        opts.Origin,
		mirror:        opts.Mirror,
		mirrorTimeout: opts.MirrorTimeout,
		logger:        logger,
		now:           time.Now,
	}

	if b.mirror != nil {
		b.mirrorCh = make(chan models.Event, opts.QueueSize)
		b.wg.Add(1)
		go b.pumpMirror()
	}
	return b
}

// Origin returns the identity stamped onto published events.
func (b *Bus) Origin() string { return b.origin }

// Publish stamps an event and delivers it to local subscribers and the
// mirror. Delivery never blocks the caller.
func (b *Bus) Publish(channel string, payload any) models.Event {
	ev := models.Event{
		ID:        uuid.NewString(),
		Channel:   channel,
		Payload:   payload,
		Origin:    b.origin,
		Timestamp: b.now(),
	}
	b.dispatch(ev)

	if b.mirrorCh != nil {
		select {
		case b.mirrorCh <- ev:
		default:
			metrics.IncEventDropped(channel)
			b.logger.Warn("mirror queue full, dropping event", slog.String("channel", channel))
		}
	}
	return ev
}

// dispatch appends to the ring and fans out to local subscribers only.
// Sends happen under the read lock so Unsubscribe and Close, which take the
// write lock before closing a channel, can never race a send.
func (b *Bus) dispatch(ev models.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		copy(b.ring, b.ring[len(b.ring)-b.ringCap:])
		b.ring = b.ring[:b.ringCap]
	}
	b.mu.Unlock()

	metrics.IncEventPublished(ev.Channel)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Channel] {
		select {
		case sub.ch <- ev:
		default:
			metrics.IncEventDropped(ev.Channel)
			b.logger.Warn("subscriber queue full, dropping event",
				slog.String("channel", ev.Channel),
				slog.String("subscriber", sub.name))
		}
	}
}

// Subscribe registers fn for a channel and returns the subscription id.
// The handler runs on a dedicated goroutine.
func (b *Bus) Subscribe(channel, name string, fn Handler) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		channel: channel,
		name:    name,
		ch:      make(chan models.Event, b.queueCap),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.id
	}
	b.subs[channel] = append(b.subs[channel], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			b.invoke(fn, ev, sub.name)
		}
	}()
	return sub.id
}

func (b *Bus) invoke(fn Handler, ev models.Event, name string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.String("subscriber", name),
				slog.String("channel", ev.Channel),
				slog.Any("panic", r))
		}
	}()
	fn(ev)
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	channelSubs := b.subs[sub.channel]
	for i, candidate := range channelSubs {
		if candidate.id == id {
			b.subs[sub.channel] = append(channelSubs[:i], channelSubs[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Recent returns up to limit events from the replay ring, newest first.
func (b *Bus) Recent(limit int) []models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.ring) {
		limit = len(b.ring)
	}
	out := make([]models.Event, 0, limit)
	for i := len(b.ring) - 1; i >= len(b.ring)-limit; i-- {
		out = append(out, b.ring[i])
	}
	return out
}

// ListenRemote subscribes to mirrored channels and republishes events from
// other origins locally. Events carrying this bus's own origin are skipped.
func (b *Bus) ListenRemote(ctx context.Context, channels []string) error {
	receiver, ok := b.mirror.(Receiver)
	if !ok {
		return nil
	}
	for _, channel := range channels {
		msgs, err := receiver.Receive(ctx, channel)
		if err != nil {
			return fmt.Errorf("subscribe mirror channel %s: %w", channel, err)
		}
		b.wg.Add(1)
		go b.drainRemote(msgs)
	}
	return nil
}

func (b *Bus) drainRemote(msgs <-chan []byte) {
	defer b.wg.Done()
	for data := range msgs {
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Warn("discarding malformed mirrored event", slog.Any("error", err))
			continue
		}
		if ev.Origin != "" && ev.Origin == b.origin {
			continue
		}
		b.dispatch(ev)
	}
}

func (b *Bus) pumpMirror() {
	defer b.wg.Done()
	for ev := range b.mirrorCh {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warn("mirror encode failed", slog.String("channel", ev.Channel), slog.Any("error", err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.mirrorTimeout)
		if err := b.mirror.Publish(ctx, ev.Channel, data); err != nil {
			b.logger.Warn("mirror publish failed", slog.String("channel", ev.Channel), slog.Any("error", err))
		}
		cancel()
	}
}

// Close stops delivery, waits for in-flight handlers, and closes the mirror.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.byID {
		close(sub.ch)
	}
	b.subs = make(map[string][]*subscriber)
	b.byID = make(map[string]*subscriber)
	b.mu.Unlock()

	if b.mirrorCh != nil {
		close(b.mirrorCh)
	}
	b.wg.Wait()

	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			b.logger.Warn("mirror close failed", slog.Any("error", err))
		}
	}
}

// DecodePayload converts an event payload into T. Locally published events
// carry concrete types; mirrored events decode as generic maps and are
// converted through JSON.
func DecodePayload[T any](ev models.Event) (T, error) {
	if v, ok := ev.Payload.(T); ok {
		return v, nil
	}
	var out T
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
