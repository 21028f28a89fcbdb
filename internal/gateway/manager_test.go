package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"telegate/internal/constants"
	"telegate/internal/history"
	"telegate/internal/security"
	"telegate/internal/session"
)

var errPeerGone = errors.New("peer gone")

type fakeTransport struct {
	addr    string
	inbound chan []byte
	closed  chan struct{}
	remote  chan struct{}
	// stuck transports ignore local Close until the peer goes away
	stuck bool

	closeOnce  sync.Once
	remoteOnce sync.Once

	mu         sync.Mutex
	sent       [][]byte
	closeCalls int
	code       int
	reason     string
	pong       func()
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{
		addr:    addr,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		remote:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	closed := f.closed
	if f.stuck {
		closed = nil
	}
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-closed:
		return nil, session.ErrTransportClosed
	case <-f.remote:
		return nil, errPeerGone
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closeCalls++
	if f.closeCalls == 1 {
		f.code, f.reason = code, reason
	}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) OnPong(fn func()) { f.pong = fn }

func (f *fakeTransport) disconnect() {
	f.remoteOnce.Do(func() { close(f.remote) })
}

func (f *fakeTransport) frames(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("invalid frame %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) rawFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, raw := range f.sent {
		out[i] = string(raw)
	}
	return out
}

func (f *fakeTransport) closedWith() (int, string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason, f.closeCalls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	manager  *Manager
	registry *session.Registry
	ring     *history.Ring
	clock    *fakeClock
	audit    *security.AuditLogger
	auditLog string
}

func newFixture(t *testing.T, maxClients int) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	registry := session.NewRegistry(maxClients)
	registry.SetClock(clock.Now)
	ring := history.NewRing(constants.DefaultHistorySize)

	auditLog := filepath.Join(t.TempDir(), "audit.log")
	audit := security.NewAuditLogger(auditLog, 1, 1)
	t.Cleanup(func() { audit.Close() })

	opts := Options{
		MaxUpdateRate:     10,
		RateWindow:        time.Second,
		ClientTimeout:     30 * time.Second,
		ReapInterval:      10 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		MaxPayloadBytes:   constants.DefaultMaxPayloadBytes,
	}
	return &fixture{
		manager:  NewManager(opts, registry, ring, audit),
		registry: registry,
		ring:     ring,
		clock:    clock,
		audit:    audit,
		auditLog: auditLog,
	}
}

// serve runs Serve in the background and waits for the session to be
// registered.
func (fx *fixture) serve(t *testing.T, ft *fakeTransport) (<-chan error, *session.Session) {
	t.Helper()
	before := make(map[string]bool)
	for _, s := range fx.registry.All() {
		before[s.ID] = true
	}

	errc := make(chan error, 1)
	go func() { errc <- fx.manager.Serve(context.Background(), ft) }()

	var admitted *session.Session
	waitFor(t, func() bool {
		for _, s := range fx.registry.All() {
			if !before[s.ID] && s.State() == session.Active && len(ft.frames(t)) > 0 {
				admitted = s
				return true
			}
		}
		return false
	})
	return errc, admitted
}

// activeSession admits a session without starting a read loop.
func (fx *fixture) activeSession(t *testing.T) (*session.Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport("10.1.1.1:5000")
	s, err := fx.registry.Admit(ft.addr, ft)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	s.Activate()
	return s, ft
}

func (fx *fixture) auditEvents(t *testing.T) map[string]int {
	t.Helper()
	f, err := os.Open(fx.auditLog)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int{}
	}
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	counts := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev security.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad audit line %q: %v", sc.Text(), err)
		}
		counts[ev.EventType]++
	}
	return counts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeSendsWelcome(t *testing.T) {
	fx := newFixture(t, 5)
	ft := newFakeTransport("10.0.0.1:1234")

	errc, s := fx.serve(t, ft)

	frames := ft.frames(t)
	if frames[0]["type"] != "welcome" {
		t.Fatalf("Expected welcome first, got %v", frames[0])
	}
	if frames[0]["clientId"] != s.ID {
		t.Errorf("welcome clientId %v != session id %s", frames[0]["clientId"], s.ID)
	}
	if frames[0]["heartbeatInterval"] != 25000.0 {
		t.Errorf("Expected heartbeatInterval 25000, got %v", frames[0]["heartbeatInterval"])
	}
	if ft.pong == nil {
		t.Error("pong hook was not installed")
	}

	ft.disconnect()
	if err := waitErr(t, errc); err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if fx.registry.Len() != 0 {
		t.Errorf("session not removed after disconnect")
	}
	if got := fx.auditEvents(t); got["session_connect"] != 1 || got["session_disconnect"] != 1 {
		t.Errorf("unexpected audit events: %v", got)
	}
}

func TestServeRejectsWhenFull(t *testing.T) {
	fx := newFixture(t, 1)
	first := newFakeTransport("10.0.0.1:1")
	errc, _ := fx.serve(t, first)

	second := newFakeTransport("10.0.0.2:2")
	err := fx.manager.Serve(context.Background(), second)
	if !errors.Is(err, session.ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}

	code, reason, _ := second.closedWith()
	if code != constants.CloseTryAgainLater || reason != constants.ReasonServerFull {
		t.Errorf("Expected close %d %q, got %d %q", constants.CloseTryAgainLater, constants.ReasonServerFull, code, reason)
	}
	if len(second.frames(t)) != 0 {
		t.Error("refused connection must not receive frames")
	}
	if fx.registry.Len() != 1 {
		t.Errorf("registry size %d, want 1", fx.registry.Len())
	}

	first.disconnect()
	waitErr(t, errc)
}

func TestPositionUpdateStoredAndAcked(t *testing.T) {
	fx := newFixture(t, 5)
	s, ft := fx.activeSession(t)

	fx.manager.HandleMessage(s, []byte(`{"event":"position_update","data":{"x":10,"y":5,"heading":90,"timestamp":42}}`))

	frames := ft.frames(t)
	if len(frames) != 1 || frames[0]["type"] != "position_ack" {
		t.Fatalf("Expected one position_ack, got %v", frames)
	}
	if frames[0]["timestamp"] != 42.0 {
		t.Errorf("ack should echo client timestamp, got %v", frames[0]["timestamp"])
	}
	if frames[0]["received"] != float64(fx.clock.Now().UnixMilli()) {
		t.Errorf("ack received = %v, want server time", frames[0]["received"])
	}

	samples := fx.manager.History()
	if len(samples) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(samples))
	}
	if samples[0].SessionID != s.ID || samples[0].X != 10 || samples[0].Heading != 90 {
		t.Errorf("unexpected sample %+v", samples[0])
	}
	if !samples[0].Timestamp.Equal(fx.clock.Now()) {
		t.Errorf("sample should carry receipt time")
	}
}

func TestAutoStopPastX(t *testing.T) {
	tests := []struct {
		name     string
		limit    *float64
		payload  string
		wantStop bool
	}{
		{"legacy frame past limit", floatPtr(100), `{"x":150,"y":0,"heading":10}`, true},
		{"tagged frame past limit", floatPtr(100), `{"event":"position_update","data":{"x":100.5,"y":0,"heading":10}}`, true},
		{"on the limit", floatPtr(100), `{"x":100,"y":0,"heading":10}`, false},
		{"rule disabled", nil, `{"x":150,"y":0,"heading":10}`, false},
		{"rejected sample", floatPtr(100), `{"x":150,"y":0,"heading":400}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, 5)
			fx.manager.opts.AutoStopX = tt.limit
			s, ft := fx.activeSession(t)

			fx.manager.HandleMessage(s, []byte(tt.payload))

			frames := ft.rawFrames()
			if len(frames) == 0 {
				t.Fatal("Expected a reply")
			}
			if tt.wantStop {
				if len(frames) != 2 || frames[1] != "stop" {
					t.Fatalf("Expected ack then stop, got %q", frames)
				}
				var ack map[string]interface{}
				if err := json.Unmarshal([]byte(frames[0]), &ack); err != nil || ack["type"] != "position_ack" {
					t.Errorf("first frame should be the ack, got %q", frames[0])
				}
				return
			}
			for _, f := range frames {
				if f == "stop" {
					t.Errorf("unexpected stop, frames %q", frames)
				}
			}
		})
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestHeadingOutOfRangeRejected(t *testing.T) {
	tests := []float64{400, 360, -0.5}
	for _, heading := range tests {
		t.Run(fmt.Sprint(heading), func(t *testing.T) {
			fx := newFixture(t, 5)
			s, ft := fx.activeSession(t)

			fx.manager.HandleMessage(s, []byte(fmt.Sprintf(`{"event":"position_update","data":{"x":10,"y":5,"heading":%v}}`, heading)))

			frames := ft.frames(t)
			if len(frames) != 1 || frames[0]["type"] != "error" || frames[0]["code"] != 400.0 {
				t.Fatalf("Expected error 400, got %v", frames)
			}
			if fx.ring.Len() != 0 {
				t.Errorf("history changed: %d samples", fx.ring.Len())
			}
			if s.State() != session.Active {
				t.Errorf("validation error must not end the session")
			}
		})
	}
}

func TestRateLimitScenario(t *testing.T) {
	fx := newFixture(t, 5)
	s, ft := fx.activeSession(t)

	for i := 0; i < 11; i++ {
		fx.clock.Advance(40 * time.Millisecond)
		fx.manager.HandleMessage(s, []byte(fmt.Sprintf(`{"event":"position_update","data":{"x":%d,"y":0,"heading":10}}`, i)))
	}

	frames := ft.frames(t)
	if len(frames) != 11 {
		t.Fatalf("Expected 11 replies, got %d", len(frames))
	}
	for i := 0; i < 10; i++ {
		if frames[i]["type"] != "position_ack" {
			t.Errorf("reply %d = %v, want position_ack", i, frames[i])
		}
	}
	if frames[10]["type"] != "error" || frames[10]["code"] != 429.0 {
		t.Errorf("11th reply = %v, want error 429", frames[10])
	}
	if fx.ring.Len() != 10 {
		t.Errorf("Expected 10 samples, got %d", fx.ring.Len())
	}

	fx.clock.Advance(time.Second)
	fx.manager.HandleMessage(s, []byte(`{"type":"heartbeat"}`))
	frames = ft.frames(t)
	if last := frames[len(frames)-1]; last["type"] != "heartbeat_ack" {
		t.Errorf("message after window reset should be admitted, got %v", last)
	}
	if got := fx.auditEvents(t); got["rate_limit"] != 1 {
		t.Errorf("Expected 1 rate_limit audit event, got %v", got)
	}
}

func TestDecodeFailuresReported(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code float64
	}{
		{"malformed", `not json at all`, 500},
		{"schema", `{"event":"position_update","data":{"x":"a","y":1,"heading":1}}`, 400},
		{"missing tag", `{"hello":"world"}`, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, 5)
			s, ft := fx.activeSession(t)

			fx.manager.HandleMessage(s, []byte(tt.raw))

			frames := ft.frames(t)
			if len(frames) != 1 || frames[0]["type"] != "error" || frames[0]["code"] != tt.code {
				t.Fatalf("Expected error %v, got %v", tt.code, frames)
			}
			if s.State() != session.Active {
				t.Error("decode failure must not end the session")
			}
		})
	}
}

func TestOversizeFrameDropped(t *testing.T) {
	fx := newFixture(t, 5)
	s, ft := fx.activeSession(t)

	big := make([]byte, constants.DefaultMaxPayloadBytes+1)
	for i := range big {
		big[i] = ' '
	}
	fx.manager.HandleMessage(s, big)

	frames := ft.frames(t)
	if len(frames) != 1 || frames[0]["code"] != 400.0 || frames[0]["message"] != constants.MsgPayloadTooLarge {
		t.Fatalf("Expected payload too large error, got %v", frames)
	}
}

func TestControlMessages(t *testing.T) {
	fx := newFixture(t, 5)
	s, ft := fx.activeSession(t)

	fx.manager.HandleMessage(s, []byte(`{"type":"heartbeat"}`))
	fx.manager.HandleMessage(s, []byte(`{"type":"handshake"}`))
	fx.manager.HandleMessage(s, []byte(`{"type":"firmware_info","version":"1.2"}`))

	frames := ft.frames(t)
	if len(frames) != 2 {
		t.Fatalf("Expected 2 replies (unknown tag ignored), got %v", frames)
	}
	if frames[0]["type"] != "heartbeat_ack" {
		t.Errorf("Expected heartbeat_ack, got %v", frames[0])
	}
	if frames[1]["type"] != "welcome" || frames[1]["clientId"] != s.ID {
		t.Errorf("handshake should be answered with welcome, got %v", frames[1])
	}
}

func TestMessagesTouchSession(t *testing.T) {
	fx := newFixture(t, 5)
	s, ft := fx.activeSession(t)

	fx.clock.Advance(29 * time.Second)
	fx.manager.HandleMessage(s, []byte(`garbage`))
	fx.clock.Advance(29 * time.Second)

	if n := fx.manager.Sweep(); n != 0 {
		t.Fatalf("session with recent traffic was reaped")
	}

	fx.clock.Advance(2 * time.Second)
	if n := fx.manager.Sweep(); n != 1 {
		t.Fatalf("Expected idle session to be reaped, swept %d", n)
	}
	if _, _, calls := ft.closedWith(); calls != 1 {
		t.Errorf("transport closed %d times", calls)
	}
}

func TestPongTouchesSession(t *testing.T) {
	fx := newFixture(t, 5)
	ft := newFakeTransport("10.0.0.1:1")
	errc, s := fx.serve(t, ft)

	fx.clock.Advance(25 * time.Second)
	ft.pong()
	fx.clock.Advance(25 * time.Second)

	if n := fx.manager.Sweep(); n != 0 {
		t.Errorf("pong should keep the session alive")
	}
	if !s.LastActivity().Equal(fx.clock.Now().Add(-25 * time.Second)) {
		t.Errorf("lastActivity not updated by pong")
	}

	ft.disconnect()
	waitErr(t, errc)
}

func TestInactiveSessionReaped(t *testing.T) {
	fx := newFixture(t, 5)
	ft := newFakeTransport("10.0.0.1:1")
	errc, s := fx.serve(t, ft)

	fx.clock.Advance(31 * time.Second)
	if n := fx.manager.Sweep(); n != 1 {
		t.Fatalf("Expected 1 reaped session, got %d", n)
	}

	code, reason, _ := ft.closedWith()
	if code != constants.CloseInactiveTimeout || reason != constants.ReasonInactiveTimeout {
		t.Errorf("Expected close %d %q, got %d %q", constants.CloseInactiveTimeout, constants.ReasonInactiveTimeout, code, reason)
	}
	if _, ok := fx.registry.Get(s.ID); ok {
		t.Error("reaped session still registered")
	}

	waitErr(t, errc)
	events := fx.auditEvents(t)
	if events["inactive_timeout"] != 1 || events["session_disconnect"] != 0 {
		t.Errorf("reap should be reported exactly once, got %v", events)
	}
}

func TestReapRacingClientClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		fx := newFixture(t, 5)
		ft := newFakeTransport("10.0.0.1:1")
		errc, _ := fx.serve(t, ft)

		fx.clock.Advance(31 * time.Second)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); fx.manager.Sweep() }()
		go func() { defer wg.Done(); ft.disconnect() }()
		wg.Wait()
		waitErr(t, errc)

		if fx.registry.Len() != 0 {
			t.Fatalf("registry not empty after race")
		}
		events := fx.auditEvents(t)
		if removals := events["inactive_timeout"] + events["session_disconnect"]; removals != 1 {
			t.Fatalf("Expected exactly one removal, got %v", events)
		}
	}
}

func TestReaperRunsOnInterval(t *testing.T) {
	registry := session.NewRegistry(5)
	m := NewManager(Options{
		MaxUpdateRate: 10,
		ClientTimeout: 20 * time.Millisecond,
		ReapInterval:  5 * time.Millisecond,
	}, registry, history.NewRing(10), nil)

	ft := newFakeTransport("10.0.0.1:1")
	errc := make(chan error, 1)
	go func() { errc <- m.Serve(context.Background(), ft) }()

	m.StartReaper(context.Background())
	m.StartReaper(context.Background())
	defer m.Stop()

	waitErr(t, errc)
	if code, _, _ := ft.closedWith(); code != constants.CloseInactiveTimeout {
		t.Errorf("Expected inactive timeout close, got %d", code)
	}

	m.Stop()
	m.Stop()
}

func TestShutdownClosesSessions(t *testing.T) {
	fx := newFixture(t, 5)
	var transports []*fakeTransport
	var errcs []<-chan error
	for i := 0; i < 3; i++ {
		ft := newFakeTransport(fmt.Sprintf("10.0.0.%d:1", i))
		errc, _ := fx.serve(t, ft)
		transports = append(transports, ft)
		errcs = append(errcs, errc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fx.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for i, ft := range transports {
		frames := ft.frames(t)
		last := frames[len(frames)-1]
		if last["type"] != "shutdown" || last["reason"] != constants.ReasonShuttingDown {
			t.Errorf("session %d did not get a shutdown notice: %v", i, last)
		}
		if code, _, _ := ft.closedWith(); code != constants.CloseGoingAway {
			t.Errorf("session %d closed with %d, want %d", i, code, constants.CloseGoingAway)
		}
		waitErr(t, errcs[i])
	}
	if fx.registry.Len() != 0 {
		t.Errorf("registry not drained")
	}

	late := newFakeTransport("10.0.0.9:1")
	if err := fx.manager.Serve(context.Background(), late); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown after shutdown, got %v", err)
	}
	if code, _, _ := late.closedWith(); code != constants.CloseGoingAway {
		t.Errorf("late connection closed with %d", code)
	}
}

func TestShutdownForceRemovesAfterGrace(t *testing.T) {
	fx := newFixture(t, 5)
	ft := newFakeTransport("10.0.0.1:1")
	ft.stuck = true
	errc, _ := fx.serve(t, ft)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := fx.manager.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if fx.registry.Len() != 0 {
		t.Errorf("straggler not force-removed")
	}

	ft.disconnect()
	waitErr(t, errc)
}

func TestServeContextCancelClosesSession(t *testing.T) {
	fx := newFixture(t, 5)
	ft := newFakeTransport("10.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fx.manager.Serve(ctx, ft) }()
	waitFor(t, func() bool { return fx.registry.Len() == 1 })

	cancel()
	waitErr(t, errc)
	if code, _, _ := ft.closedWith(); code != constants.CloseGoingAway {
		t.Errorf("Expected going-away close on cancel, got %d", code)
	}
}

func TestSessionsView(t *testing.T) {
	fx := newFixture(t, 5)
	s, _ := fx.activeSession(t)

	infos := fx.manager.Sessions()
	if len(infos) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(infos))
	}
	if infos[0].ID != s.ID || infos[0].State != "active" || infos[0].RemoteAddr != "10.1.1.1:5000" {
		t.Errorf("unexpected session info %+v", infos[0])
	}
}
