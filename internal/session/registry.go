package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotFound         = errors.New("session not found")
)

// Registry is the authoritative set of live sessions. Admission, removal
// and sweeps are serialized so the size never exceeds maxClients and a
// session is removed at most once.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	maxClients int
	now        func() time.Time
	newID      func() string
}

func NewRegistry(maxClients int) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		maxClients: maxClients,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) Now() time.Time {
	r.mu.RLock()
	now := r.now
	r.mu.RUnlock()
	return now()
}

func (r *Registry) Admit(remoteAddr string, t Transport) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxClients {
		return nil, ErrCapacityExceeded
	}

	id := r.newID()
	for r.sessions[id] != nil {
		id = r.newID()
	}

	s := newSession(id, remoteAddr, t, r.now())
	r.sessions[id] = s
	return s, nil
}

// Touch records activity on id. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	now := r.now
	r.mu.RUnlock()

	if ok {
		s.touch(now())
	}
}

// Remove deletes id and hands the record back for final cleanup.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.sessions, id)
	return s, nil
}

// SweepExpired removes every session idle for longer than timeout and
// returns them so the caller can close their transports.
func (r *Registry) SweepExpired(timeout time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []*Session
	for id, s := range r.sessions {
		if s.idleFor(now) > timeout {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	return expired
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) MaxClients() int {
	return r.maxClients
}
