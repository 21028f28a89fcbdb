package history

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Sample is one accepted position report. Samples are values and are never
// modified after they are pushed.
type Sample struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Heading   float64   `json:"heading"`
}

// Ring keeps the most recent samples up to a fixed capacity, evicting the
// oldest on overflow.
type Ring struct {
	mu       sync.RWMutex
	q        *queue.Queue
	capacity int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{q: queue.New(), capacity: capacity}
}

func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.q.Length() >= r.capacity {
		r.q.Remove()
	}
	r.q.Add(s)
}

// Snapshot returns the buffered samples oldest first. The slice is a copy.
func (r *Ring) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, r.q.Length())
	for i := range out {
		out[i] = r.q.Get(i).(Sample)
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.q.Length()
}

func (r *Ring) Cap() int {
	return r.capacity
}
