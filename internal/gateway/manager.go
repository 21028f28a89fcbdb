package gateway

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"telegate/internal/config"
	"telegate/internal/constants"
	"telegate/internal/history"
	"telegate/internal/protocol"
	"telegate/internal/security"
	"telegate/internal/session"
)

var ErrShuttingDown = errors.New("gateway shutting down")

type Options struct {
	MaxUpdateRate     int
	RateWindow        time.Duration
	ClientTimeout     time.Duration
	ReapInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxPayloadBytes   int
	// AutoStopX is the x coordinate past which a device is told to stop.
	// Nil disables the rule.
	AutoStopX *float64
}

func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		MaxUpdateRate:     cfg.MaxUpdateRate,
		RateWindow:        constants.RateLimitWindow,
		ClientTimeout:     cfg.ClientTimeout,
		ReapInterval:      cfg.ReapInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		AutoStopX:         cfg.AutoStopX,
	}
}

// SessionInfo is the read-only view of a session exposed to the API.
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remoteAddress"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Manager runs the per-connection state machine on top of the registry and
// owns the reap sweep.
type Manager struct {
	opts     Options
	registry *session.Registry
	history  *history.Ring
	limiter  *security.UpdateLimiter
	audit    *security.AuditLogger

	shuttingDown atomic.Bool

	reaperMu   sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

func NewManager(opts Options, registry *session.Registry, ring *history.Ring, audit *security.AuditLogger) *Manager {
	if opts.RateWindow <= 0 {
		opts.RateWindow = constants.RateLimitWindow
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = constants.DefaultClientTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = constants.DefaultReapInterval
	}
	return &Manager{
		opts:     opts,
		registry: registry,
		history:  ring,
		limiter:  security.NewUpdateLimiter(opts.MaxUpdateRate, opts.RateWindow),
		audit:    audit,
	}
}

func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Serve drives one device connection until it closes. It returns
// session.ErrCapacityExceeded or ErrShuttingDown when admission is refused.
func (m *Manager) Serve(ctx context.Context, t session.Transport) error {
	addr := t.RemoteAddr()

	if m.shuttingDown.Load() {
		t.Close(constants.CloseGoingAway, constants.ReasonShuttingDown)
		return ErrShuttingDown
	}

	s, err := m.registry.Admit(addr, t)
	if err != nil {
		log.Printf("⛔ Connection refused (%s): %s", constants.ReasonServerFull, addr)
		m.audit.LogCapacityExceeded(addr, m.registry.MaxClients())
		t.Close(constants.CloseTryAgainLater, constants.ReasonServerFull)
		return err
	}

	// Shutdown may have snapshotted the registry before this admission.
	if m.shuttingDown.Load() {
		m.finish(s, constants.CloseGoingAway, constants.ReasonShuttingDown)
		return ErrShuttingDown
	}

	if p, ok := t.(interface{ OnPong(func()) }); ok {
		id := s.ID
		p.OnPong(func() { m.registry.Touch(id) })
	}

	if !s.Activate() {
		m.finish(s, constants.CloseGoingAway, constants.ReasonShuttingDown)
		return nil
	}

	log.Printf("🔌 Device connected: %s (%s) [%d/%d]", s.ID, addr, m.registry.Len(), m.registry.MaxClients())
	m.audit.LogSessionConnect(addr, s.ID)
	m.reply(s, m.welcome(s))

	stop := context.AfterFunc(ctx, func() {
		s.Close(constants.CloseGoingAway, constants.ReasonShuttingDown)
	})
	defer stop()

	for {
		raw, err := t.ReadMessage()
		if err != nil {
			if s.State() < session.Closing {
				log.Printf("🔌 Read ended for %s: %v", s.ID, err)
			}
			break
		}
		m.HandleMessage(s, raw)
	}

	m.finish(s, constants.CloseNormal, constants.ReasonClientClosed)
	return nil
}

// finish closes s and removes it from the registry. Only the caller that
// actually removes the session reports the disconnect.
func (m *Manager) finish(s *session.Session, code int, reason string) {
	s.Close(code, reason)
	if _, err := m.registry.Remove(s.ID); err != nil {
		return
	}
	log.Printf("👋 Device disconnected: %s (%s)", s.ID, s.CloseReason())
	m.audit.LogSessionDisconnect(s.RemoteAddr, s.ID, s.CloseReason())
}

// HandleMessage processes one inbound frame from s. Failures are reported
// to the device and never end the session.
func (m *Manager) HandleMessage(s *session.Session, raw []byte) {
	defer func() {
		if err := recover(); err != nil {
			log.Printf("🔥 PANIC RECOVERED handling message from %s: %v\nStack Trace:\n%s", s.ID, err, string(debug.Stack()))
		}
	}()

	now := m.registry.Now()
	m.registry.Touch(s.ID)

	if m.opts.MaxPayloadBytes > 0 && len(raw) > m.opts.MaxPayloadBytes {
		m.reply(s, protocol.NewError(constants.CodeValidation, constants.MsgPayloadTooLarge))
		return
	}

	if err := s.AdmitUpdate(m.limiter, now); err != nil {
		log.Printf("⛔ Rate limit exceeded: %s", s.ID)
		m.audit.LogRateLimit(s.RemoteAddr, s.ID)
		m.reply(s, protocol.NewError(constants.CodeRateLimit, constants.MsgRateLimitExceeded))
		return
	}

	ev, err := protocol.Decode(raw)
	if err != nil {
		code := constants.CodeValidation
		if errors.Is(err, protocol.ErrMalformedPayload) {
			code = constants.CodeMalformed
		}
		m.reply(s, protocol.NewError(code, err.Error()))
		return
	}

	switch e := ev.(type) {
	case protocol.PositionUpdate:
		m.handlePosition(s, e, now)
	case protocol.Heartbeat:
		m.reply(s, protocol.HeartbeatAck{})
	case protocol.Handshake:
		m.reply(s, m.welcome(s))
	case protocol.Unknown:
		log.Printf("❓ Unknown message type %q from %s", e.Name, s.ID)
	}
}

func (m *Manager) handlePosition(s *session.Session, pu protocol.PositionUpdate, now time.Time) {
	if pu.Heading < 0 || pu.Heading >= 360 {
		m.reply(s, protocol.NewError(constants.CodeValidation, constants.MsgHeadingOutOfRange))
		return
	}

	m.history.Push(history.Sample{
		SessionID: s.ID,
		Timestamp: now,
		X:         pu.X,
		Y:         pu.Y,
		Heading:   pu.Heading,
	})
	m.reply(s, protocol.PositionAck{Timestamp: pu.Timestamp, Received: now.UnixMilli()})

	if limit := m.opts.AutoStopX; limit != nil && pu.X > *limit {
		log.Printf("🛑 %s past x=%v (x=%v), sending %s", s.ID, *limit, pu.X, constants.CommandStop)
		m.reply(s, protocol.Command{Text: constants.CommandStop})
	}
}

func (m *Manager) welcome(s *session.Session) protocol.Welcome {
	return protocol.Welcome{
		ClientID:          s.ID,
		Timestamp:         m.registry.Now().UnixMilli(),
		HeartbeatInterval: m.opts.HeartbeatInterval.Milliseconds(),
	}
}

func (m *Manager) reply(s *session.Session, o protocol.Outbound) {
	if err := s.Send(protocol.Encode(o)); err != nil && !errors.Is(err, session.ErrTransportClosed) {
		log.Printf("⚠️ Failed to send to %s: %v", s.ID, err)
	}
}

// StartReaper sweeps idle sessions every ReapInterval until ctx is done or
// Stop is called.
func (m *Manager) StartReaper(ctx context.Context) {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.stopReaper != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopReaper = cancel
	m.reaperDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.opts.ReapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop cancels the reaper and waits for an in-flight sweep to finish.
func (m *Manager) Stop() {
	m.reaperMu.Lock()
	cancel, done := m.stopReaper, m.reaperDone
	m.stopReaper, m.reaperDone = nil, nil
	m.reaperMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Sweep closes every session idle for longer than ClientTimeout and
// returns how many were reaped.
func (m *Manager) Sweep() int {
	expired := m.registry.SweepExpired(m.opts.ClientTimeout)
	now := m.registry.Now()
	for _, s := range expired {
		idle := now.Sub(s.LastActivity())
		log.Printf("🗑 Session reaped (%s): %s idle %v", constants.ReasonInactiveTimeout, s.ID, idle.Round(time.Millisecond))
		m.audit.LogInactiveTimeout(s.RemoteAddr, s.ID, idle)
		s.Close(constants.CloseInactiveTimeout, constants.ReasonInactiveTimeout)
	}
	return len(expired)
}

// Shutdown stops the reaper, refuses new devices, notifies and closes every
// live session, then waits for the registry to drain or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	m.shuttingDown.Store(true)

	sessions := m.registry.All()
	log.Printf("🛑 Closing %d device session(s)...", len(sessions))

	frame := protocol.Encode(protocol.Shutdown{Reason: constants.ReasonShuttingDown})
	for _, s := range sessions {
		s.Send(frame)
		s.Close(constants.CloseGoingAway, constants.ReasonShuttingDown)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			forced := 0
			for _, s := range m.registry.All() {
				if _, err := m.registry.Remove(s.ID); err == nil {
					s.Close(constants.CloseGoingAway, constants.ReasonShuttingDown)
					forced++
				}
			}
			log.Printf("⚠️ Grace period elapsed, %d session(s) force-removed", forced)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// History returns the recent samples, oldest first.
func (m *Manager) History() []history.Sample {
	return m.history.Snapshot()
}

func (m *Manager) Sessions() []SessionInfo {
	all := m.registry.All()
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, SessionInfo{
			ID:           s.ID,
			RemoteAddr:   s.RemoteAddr,
			State:        s.State().String(),
			ConnectedAt:  s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	return out
}
