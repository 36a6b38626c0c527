package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]bus.Handler
	subscribed   []string
	unsubscribed []string
	next         int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]bus.Handler)}
}

func (f *fakeBroker) Subscribe(channel, _ string, fn bus.Handler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.handlers[channel] = fn
	f.subscribed = append(f.subscribed, channel)
	return fmt.Sprintf("sub-%d", f.next)
}

func (f *fakeBroker) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *fakeBroker) emit(channel string, ev models.Event) {
	f.mu.Lock()
	fn := f.handlers[channel]
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.handleWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			conn.Close()
			srv.Close()
			t.Fatal("client never registered with the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHubStreamsBusEvents(t *testing.T) {
	broker := newFakeBroker()
	hub := NewHub(broker, nil)
	hub.Start()
	if len(broker.subscribed) != len(streamChannels) {
		t.Fatalf("subscribed to %d channels, want %d", len(broker.subscribed), len(streamChannels))
	}

	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	broker.emit(models.ChannelAlerts, models.Event{
		ID:      "ev-1",
		Channel: models.ChannelAlerts,
		Payload: map[string]any{"id": "a-1", "type": "DB_SLOW"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.ID != "ev-1" || got.Channel != models.ChannelAlerts {
		t.Fatalf("frame = %+v, want ev-1 on alerts", got)
	}

	hub.Close()
	if len(broker.unsubscribed) != len(streamChannels) {
		t.Errorf("unsubscribed %d, want %d", len(broker.unsubscribed), len(streamChannels))
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after hub shutdown")
	}
	if hub.Clients() != 0 {
		t.Errorf("clients = %d after Close, want 0", hub.Clients())
	}
}

func TestHubThrottlesMetricFramesPerSeries(t *testing.T) {
	hub := NewHub(newFakeBroker(), nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	cpu := models.Event{Channel: models.ChannelMetrics, Payload: models.MetricSample{Name: "cpu_usage_percent"}}
	heap := models.Event{Channel: models.ChannelMetrics, Payload: models.MetricSample{Name: "heap_usage_percent"}}

	if !hub.admitMetric(cpu) {
		t.Fatal("first cpu frame should pass")
	}
	if hub.admitMetric(cpu) {
		t.Fatal("second cpu frame within a second should be dropped")
	}
	if !hub.admitMetric(heap) {
		t.Fatal("other series must not be throttled by cpu traffic")
	}

	now = now.Add(time.Second)
	if !hub.admitMetric(cpu) {
		t.Fatal("cpu frame after the gap should pass")
	}
}

func TestHubBroadcastSkipsThrottledMetrics(t *testing.T) {
	broker := newFakeBroker()
	hub := NewHub(broker, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }
	hub.Start()

	conn, cleanup := dialHub(t, hub)
	defer cleanup()
	defer hub.Close()

	sample := models.MetricSample{Name: "db_query_time", Value: 80}
	broker.emit(models.ChannelMetrics, models.Event{ID: "m-1", Channel: models.ChannelMetrics, Payload: sample})
	broker.emit(models.ChannelMetrics, models.Event{ID: "m-2", Channel: models.ChannelMetrics, Payload: sample})
	broker.emit(models.ChannelHealth, models.Event{ID: "h-1", Channel: models.ChannelHealth})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first models.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if first.ID != "m-1" {
		t.Fatalf("first frame = %q, want m-1", first.ID)
	}

	// The throttled m-2 frame must never arrive; the health frame comes next.
	var second models.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if second.ID != "h-1" {
		t.Fatalf("second frame = %q, want h-1 (metric duplicate dropped)", second.ID)
	}
}
