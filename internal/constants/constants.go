package constants

import "time"

const (
	AppName = "telegate"
	Version = "0.3.0"
)

// Network defaults
const (
	DefaultPort      = "3000"
	DefaultServerURL = "http://localhost:3000"
	WSBufferSize     = 4096
	MaxHeaderBytes   = 1 << 20
)

// Gateway limits
const (
	DefaultMaxClients          = 100
	DefaultMaxUpdateRate       = 10
	RateLimitWindow            = time.Second
	DefaultClientTimeout       = 30 * time.Second
	DefaultReapInterval        = 10 * time.Second
	DefaultHeartbeatInterval   = 25 * time.Second
	DefaultMaxPayloadBytes     = 1024
	DefaultHistorySize         = 100
	DefaultShutdownGrace       = 5 * time.Second
	DefaultMaxConnectionsPerIP = 10
	DefaultSendQueueSize       = 32
	WriteWait                  = 5 * time.Second
	MaxCommandBodySize         = 64 * 1024
)

// Redis command source
const (
	DefaultRedisPort      = "6379"
	DefaultCommandChannel = "telegate:commands"
)

// Audit log
const (
	DefaultAuditMaxSizeMB  = 10
	DefaultAuditMaxBackups = 3
	MaxAuditLogsPerMinute  = 600
)

// API endpoints
const (
	EndpointWebSocket     = "/ws"
	EndpointCommand       = "/api/command"
	EndpointLegacyCommand = "/send-command"
	EndpointPositions     = "/api/positions"
	EndpointSessions      = "/api/sessions"
	EndpointHealth        = "/healthz"
	EndpointRoot          = "/"
)

// Close codes. 4000-4999 is the application range of RFC 6455.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseTryAgainLater   = 1013
	CloseInactiveTimeout = 4000
)

// CommandStop is the text command devices halt on.
const CommandStop = "stop"

// Close reasons
const (
	ReasonServerFull      = "server full"
	ReasonInactiveTimeout = "inactive timeout"
	ReasonShuttingDown    = "server shutting down"
	ReasonClientClosed    = "client closed"
)

// Error event codes
const (
	CodeValidation = 400
	CodeRateLimit  = 429
	CodeMalformed  = 500
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
)

// Messages
const (
	MsgInvalidJSON       = "Invalid JSON"
	MsgMethodNotAllowed  = "Method not allowed"
	MsgCommandRequired   = "Command is required"
	MsgSessionNotFound   = "Session not found or disconnected"
	MsgRateLimitExceeded = "Rate limit exceeded"
	MsgHeadingOutOfRange = "heading must be in [0, 360)"
	MsgPayloadTooLarge   = "payload too large"
	MsgConnectionLimit   = "Connection limit exceeded"
	MsgShuttingDown      = "Server is shutting down"
)
