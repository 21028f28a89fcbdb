package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestUpdateLimiterAdmitsUpToMaxRate(t *testing.T) {
	limiter := NewUpdateLimiter(10, time.Second)
	start := time.Unix(1700000000, 0)
	w := &Window{Start: start}

	for i := 0; i < 10; i++ {
		now := start.Add(time.Duration(i*50) * time.Millisecond)
		if err := limiter.Admit(w, now); err != nil {
			t.Fatalf("message %d should be admitted, got %v", i+1, err)
		}
	}

	err := limiter.Admit(w, start.Add(500*time.Millisecond))
	if !errors.Is(err, ErrRateExceeded) {
		t.Fatalf("11th message should be rate limited, got %v", err)
	}
}

func TestUpdateLimiterKeepsFailingUntilWindowExpires(t *testing.T) {
	limiter := NewUpdateLimiter(2, time.Second)
	start := time.Unix(1700000000, 0)
	w := &Window{Start: start}

	limiter.Admit(w, start)
	limiter.Admit(w, start)
	for i := 0; i < 5; i++ {
		if err := limiter.Admit(w, start.Add(900*time.Millisecond)); !errors.Is(err, ErrRateExceeded) {
			t.Fatalf("over-limit message %d should fail, got %v", i, err)
		}
	}
	if w.Count != 7 {
		t.Errorf("Expected rejected messages to keep counting, got count %d", w.Count)
	}

	// exactly one window later is still the same window
	if err := limiter.Admit(w, start.Add(time.Second)); !errors.Is(err, ErrRateExceeded) {
		t.Errorf("Expected boundary message to fail, got %v", err)
	}

	later := start.Add(1001 * time.Millisecond)
	if err := limiter.Admit(w, later); err != nil {
		t.Fatalf("Expected admission after window reset, got %v", err)
	}
	if w.Count != 1 || !w.Start.Equal(later) {
		t.Errorf("Expected fresh window at %v with count 1, got %+v", later, w)
	}
}

func TestUpdateLimiterDisabled(t *testing.T) {
	limiter := NewUpdateLimiter(0, time.Second)
	w := &Window{}
	now := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.Admit(w, now); err != nil {
			t.Fatalf("disabled limiter rejected message %d", i)
		}
	}
}

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2)

	if !cl.TryConnect("10.0.0.1") || !cl.TryConnect("10.0.0.1") {
		t.Fatal("first two connections should be allowed")
	}
	if cl.TryConnect("10.0.0.1") {
		t.Error("third connection should be refused")
	}
	if !cl.TryConnect("10.0.0.2") {
		t.Error("other IPs are counted separately")
	}

	cl.Disconnect("10.0.0.1")
	if cl.Active("10.0.0.1") != 1 {
		t.Errorf("Expected 1 active connection, got %d", cl.Active("10.0.0.1"))
	}
	if !cl.TryConnect("10.0.0.1") {
		t.Error("connection should be allowed after a disconnect")
	}

	cl.Disconnect("192.168.1.1")
	if cl.Active("192.168.1.1") != 0 {
		t.Error("disconnecting an unknown IP must not go negative")
	}
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := GetClientIP(r); ip != "203.0.113.9" {
		t.Errorf("Expected forwarded IP from trusted proxy, got %s", ip)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	if ip := GetClientIP(r); ip != "198.51.100.7" {
		t.Errorf("Expected direct IP for untrusted peer, got %s", ip)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditLogger(nopCloser{&buf})

	al.LogSessionConnect("10.0.0.1", "sess-1")
	al.LogRateLimit("10.0.0.1", "sess-1")
	al.LogInactiveTimeout("10.0.0.1", "sess-1", 31*time.Second)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 audit lines, got %d: %q", len(lines), buf.String())
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatalf("invalid audit JSON: %v", err)
	}
	if ev.EventType != "inactive_timeout" || ev.SessionID != "sess-1" {
		t.Errorf("Unexpected audit event: %+v", ev)
	}
}

func TestAuditLoggerFloodCap(t *testing.T) {
	var buf bytes.Buffer
	al := newAuditLogger(nopCloser{&buf})
	now := time.Unix(1700000000, 0)
	al.now = func() time.Time { return now }
	al.windowStart = now

	for i := 0; i < 700; i++ {
		al.LogRateLimit("10.0.0.1", "flood")
	}
	if n := strings.Count(buf.String(), "\n"); n != 600 {
		t.Errorf("Expected audit log capped at 600 lines per minute, got %d", n)
	}
}

func TestNilAuditLoggerIsSafe(t *testing.T) {
	var al *AuditLogger
	al.LogSessionConnect("ip", "id")
	al.LogCommandDispatch("*", "stop", 3)
	if err := al.Close(); err != nil {
		t.Errorf("Close on nil logger returned %v", err)
	}
	if NewAuditLogger("", 1, 1) != nil {
		t.Error("Expected nil logger for empty path")
	}
}
