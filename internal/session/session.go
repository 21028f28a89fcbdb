package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"telegate/internal/security"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport is the bidirectional channel a device is connected over.
// WriteMessage must not block on the network.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

type State int32

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the gateway's record of one live device connection.
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	transport Transport
	state     atomic.Int32

	mu           sync.Mutex
	lastActivity time.Time
	rate         security.Window

	closeOnce   sync.Once
	closeReason atomic.Value
}

func newSession(id, remoteAddr string, t Transport, now time.Time) *Session {
	s := &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		transport:    t,
		lastActivity: now,
		rate:         security.Window{Start: now},
	}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Activate moves a Connecting session to Active. It reports false when
// the session was closed in the meantime.
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(Connecting), int32(Active))
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// AdmitUpdate charges one inbound message against the session's rate window.
func (s *Session) AdmitUpdate(l *security.UpdateLimiter, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.Admit(&s.rate, now)
}

// Send queues data on the transport. Sessions that are closing report
// ErrTransportClosed without touching the transport.
func (s *Session) Send(data []byte) error {
	if s.State() >= Closing {
		return ErrTransportClosed
	}
	return s.transport.WriteMessage(data)
}

// Close closes the transport once. Later calls are no-ops returning nil.
func (s *Session) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.state.Store(int32(Closing))
		err = s.transport.Close(code, reason)
		s.state.Store(int32(Closed))
	})
	return err
}

// CloseReason is the reason passed to the first Close call, or "".
func (s *Session) CloseReason() string {
	if v, ok := s.closeReason.Load().(string); ok {
		return v
	}
	return ""
}
