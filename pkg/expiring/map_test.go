package expiring

import (
	"testing"
	"time"
)

func TestMapSetGet(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1, 0)

	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestMapExpiry(t *testing.T) {
	now := time.Now()
	m := New[string, string]()
	m.now = func() time.Time { return now }

	m.Set("session", "token", time.Minute)
	m.Set("pinned", "forever", 0)

	if _, ok := m.Get("session"); !ok {
		t.Fatalf("expected live entry before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := m.Get("session"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if _, ok := m.Get("pinned"); !ok {
		t.Fatalf("expected zero-ttl entry to survive")
	}
}

func TestMapPurge(t *testing.T) {
	now := time.Now()
	m := New[string, int]()
	m.now = func() time.Time { return now }

	m.Set("a", 1, time.Second)
	m.Set("b", 2, time.Minute)
	m.Set("c", 3, 0)

	now = now.Add(10 * time.Second)
	if dropped := m.Purge(); dropped != 1 {
		t.Fatalf("expected 1 purged entry, got %d", dropped)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 live entries after purge, got %d", m.Len())
	}
}

func TestMapKeysSkipsExpired(t *testing.T) {
	now := time.Now()
	m := New[string, int]()
	m.now = func() time.Time { return now }

	m.Set("live", 1, time.Hour)
	m.Set("dead", 2, time.Second)
	now = now.Add(time.Minute)

	keys := m.Keys()
	if len(keys) != 1 || keys[0] != "live" {
		t.Fatalf("expected only live key, got %v", keys)
	}
}

func TestMapDelete(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1, 0)
	m.Delete("a")
	if m.Contains("a") {
		t.Fatalf("expected deleted key to miss")
	}
}
