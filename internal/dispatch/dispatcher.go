package dispatch

import (
	"errors"
	"log"

	"telegate/internal/protocol"
	"telegate/internal/security"
	"telegate/internal/session"
)

// Broadcast is the target that addresses every live session.
const Broadcast = "*"

var ErrNotFound = errors.New("session not found")

// Submitter accepts operator commands. Dispatcher implements it; sources
// depend on the interface so they can be tested without a registry.
type Submitter interface {
	Submit(target string, cmd protocol.Command) (int, error)
}

// Dispatcher delivers operator commands to sessions. Delivery is
// at-most-once and never waits on the network.
type Dispatcher struct {
	registry *session.Registry
	audit    *security.AuditLogger
}

func NewDispatcher(registry *session.Registry, audit *security.AuditLogger) *Dispatcher {
	return &Dispatcher{registry: registry, audit: audit}
}

// Unicast sends cmd to one session. Absent, closing and backed-up
// sessions all report ErrNotFound.
func (d *Dispatcher) Unicast(id string, cmd protocol.Command) error {
	s, ok := d.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	return d.send(s, protocol.Encode(cmd))
}

// Broadcast sends cmd to every live session and returns how many accepted
// the write. Sessions that fail are skipped.
func (d *Dispatcher) Broadcast(cmd protocol.Command) int {
	frame := protocol.Encode(cmd)
	sent := 0
	for _, s := range d.registry.All() {
		if err := d.send(s, frame); err == nil {
			sent++
		}
	}
	return sent
}

// Submit routes cmd to target, broadcasting when target is "" or "*".
func (d *Dispatcher) Submit(target string, cmd protocol.Command) (int, error) {
	var delivered int
	var err error

	if target == "" || target == Broadcast {
		target = Broadcast
		delivered = d.Broadcast(cmd)
	} else if err = d.Unicast(target, cmd); err == nil {
		delivered = 1
	}

	log.Printf("📣 Command %q -> %s (%d delivered)", cmd.String(), target, delivered)
	d.audit.LogCommandDispatch(target, cmd.String(), delivered)
	return delivered, err
}

func (d *Dispatcher) send(s *session.Session, frame []byte) error {
	if s.State() != session.Active {
		return ErrNotFound
	}
	if err := s.Send(frame); err != nil {
		return ErrNotFound
	}
	return nil
}
