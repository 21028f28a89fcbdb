package security

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"telegate/internal/constants"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	IP        string    `json:"ip,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// AuditLogger appends JSON audit events to a size-rotated file. A nil
// *AuditLogger is valid and discards everything.
type AuditLogger struct {
	mu          sync.Mutex
	out         io.WriteCloser
	enc         *json.Encoder
	logCount    map[string]int
	windowStart time.Time
	now         func() time.Time
}

// NewAuditLogger opens a rotating audit log at path. An empty path returns
// a nil logger.
func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	if path == "" {
		return nil
	}
	return newAuditLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
}

func newAuditLogger(out io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		out:         out,
		enc:         json.NewEncoder(out),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
		now:         time.Now,
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()

	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}

	if totalLogs >= constants.MaxAuditLogsPerMinute {
		return
	}

	al.logCount[event.EventType]++
	event.Timestamp = now
	al.enc.Encode(event)
}

func (al *AuditLogger) LogSessionConnect(ip, sessionID string) {
	al.Log(AuditEvent{
		EventType: "session_connect",
		IP:        ip,
		SessionID: sessionID,
		Details:   "Device connected",
		Severity:  "info",
	})
}

func (al *AuditLogger) LogSessionDisconnect(ip, sessionID, reason string) {
	al.Log(AuditEvent{
		EventType: "session_disconnect",
		IP:        ip,
		SessionID: sessionID,
		Details:   fmt.Sprintf("Device disconnected: %s", reason),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogCapacityExceeded(ip string, maxClients int) {
	al.Log(AuditEvent{
		EventType: "capacity_exceeded",
		IP:        ip,
		Details:   fmt.Sprintf("Connection refused, %d clients connected", maxClients),
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Per-IP connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRateLimit(ip, sessionID string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		SessionID: sessionID,
		Details:   "Update rate limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogInactiveTimeout(ip, sessionID string, idle time.Duration) {
	al.Log(AuditEvent{
		EventType: "inactive_timeout",
		IP:        ip,
		SessionID: sessionID,
		Details:   fmt.Sprintf("Reaped after %v without traffic", idle.Round(time.Millisecond)),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogCommandDispatch(target, command string, delivered int) {
	al.Log(AuditEvent{
		EventType: "command_dispatch",
		SessionID: target,
		Details:   fmt.Sprintf("Command %q delivered to %d session(s)", command, delivered),
		Severity:  "info",
	})
}

func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.out != nil {
		return al.out.Close()
	}
	return nil
}
