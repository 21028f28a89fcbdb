package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction,omitempty"`
	Type      string    `json:"type"`
	Frame     string    `json:"frame,omitempty"`
	Size      int       `json:"size"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Logger records simulator traffic as JSON lines.
type Logger struct {
	mu       sync.RWMutex
	file     *os.File
	enc      *json.Encoder
	logDir   string
	deviceID string
}

// NewLogger opens <log dir>/<deviceID>.log under the user's data directory.
func NewLogger(deviceID string) (*Logger, error) {
	logDir, err := getLogDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get log directory: %w", err)
	}
	return NewLoggerInDir(logDir, deviceID)
}

func NewLoggerInDir(logDir, deviceID string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", deviceID))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{
		file:     file,
		enc:      json.NewEncoder(file),
		logDir:   logDir,
		deviceID: deviceID,
	}, nil
}

func getLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var logDir string
	switch runtime.GOOS {
	case "windows":
		logDir = filepath.Join(homeDir, "AppData", "Local", "telegate", "logs")
	case "darwin":
		logDir = filepath.Join(homeDir, "Library", "Logs", "telegate")
	default:
		logDir = filepath.Join(homeDir, ".local", "share", "telegate", "logs")
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			logDir = filepath.Join(xdgData, "telegate", "logs")
		}
	}

	return logDir, nil
}

func (l *Logger) Log(entry LogEntry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()
	l.enc.Encode(entry)
}

// LogFrame records one frame. JSON frames are tagged with their "type";
// anything else is logged as a text command.
func (l *Logger) LogFrame(direction string, data []byte) {
	kind := "text"
	var tagged struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if json.Unmarshal(data, &tagged) == nil {
		kind = tagged.Type
		if kind == "" {
			kind = tagged.Event
		}
	}
	l.Log(LogEntry{
		Direction: direction,
		Type:      kind,
		Frame:     string(data),
		Size:      len(data),
	})
}

func (l *Logger) LogError(direction string, err error) {
	l.Log(LogEntry{
		Direction: direction,
		Type:      "error",
		Error:     err.Error(),
	})
}

func (l *Logger) LogEvent(message string) {
	l.Log(LogEntry{
		Type:    "event",
		Message: message,
	})
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) GetLogPath() string {
	if l != nil && l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) GetDeviceID() string {
	return l.deviceID
}
