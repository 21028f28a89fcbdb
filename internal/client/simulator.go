package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"telegate/internal/constants"
	"telegate/internal/logger"
	"telegate/internal/protocol"
	"telegate/internal/utils"
)

// ErrStopped is returned by Run when the gateway sent a stop command.
var ErrStopped = errors.New("stopped by operator")

type Options struct {
	ServerURL string
	// Rate is position updates per second.
	Rate   float64
	Count  int
	Radius float64
	// Steps is the number of updates per lap of the circular path.
	Steps int
	Log   *logger.Logger
	// OnFrame, when set, is called for every frame received.
	OnFrame func(line string)
}

type Stats struct {
	Sent     atomic.Int64
	Acked    atomic.Int64
	Errors   atomic.Int64
	Commands atomic.Int64
}

// Simulator behaves like a telemetry device: it handshakes, streams
// position updates and answers the gateway's heartbeat cadence.
type Simulator struct {
	opts     Options
	Stats    Stats
	clientID atomic.Value
}

func NewSimulator(opts Options) *Simulator {
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Radius <= 0 {
		opts.Radius = 100
	}
	if opts.Steps <= 0 {
		opts.Steps = 72
	}
	return &Simulator{opts: opts}
}

// ClientID is the id assigned in the last welcome, or "".
func (s *Simulator) ClientID() string {
	if v, ok := s.clientID.Load().(string); ok {
		return v
	}
	return ""
}

// PathPoint returns the position and heading at step along a circle of
// the given radius centered on the origin.
func PathPoint(step, steps int, radius float64) (x, y, heading float64) {
	angle := 2 * math.Pi * float64(step%steps) / float64(steps)
	x = radius * math.Cos(angle)
	y = radius * math.Sin(angle)
	heading = math.Mod(angle*180/math.Pi+90, 360)
	return x, y, heading
}

type inbound struct {
	stop      bool
	shutdown  bool
	heartbeat time.Duration
}

func (s *Simulator) Run(ctx context.Context) error {
	wsURL := utils.WebSocketURL(s.opts.ServerURL)
	_, skipVerify := utils.NormalizeServerURL(s.opts.ServerURL)

	dialer := *websocket.DefaultDialer
	if skipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()
	s.opts.Log.LogEvent("connected to " + wsURL)

	events := make(chan inbound, 8)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(conn, events, readErr, done)

	if err := s.write(conn, []byte(`{"type":"handshake"}`)); err != nil {
		return err
	}

	updates := time.NewTicker(time.Duration(float64(time.Second) / s.opts.Rate))
	defer updates.Stop()
	heartbeat := time.NewTicker(constants.DefaultHeartbeatInterval)
	defer heartbeat.Stop()

	step := 0
	var drainBy time.Time
	for {
		select {
		case <-ctx.Done():
			s.closeNormal(conn)
			return nil
		case err := <-readErr:
			return err
		case ev := <-events:
			switch {
			case ev.stop:
				s.closeNormal(conn)
				return ErrStopped
			case ev.shutdown:
				return nil
			case ev.heartbeat > 0:
				heartbeat.Reset(ev.heartbeat)
			}
		case <-heartbeat.C:
			if err := s.write(conn, []byte(`{"type":"heartbeat"}`)); err != nil {
				return err
			}
		case <-updates.C:
			if s.opts.Count > 0 && step >= s.opts.Count {
				// wait briefly for the last replies before leaving
				if drainBy.IsZero() {
					drainBy = time.Now().Add(2 * time.Second)
				}
				if s.Stats.Acked.Load()+s.Stats.Errors.Load() >= int64(s.opts.Count) || time.Now().After(drainBy) {
					s.closeNormal(conn)
					return nil
				}
				continue
			}
			if err := s.write(conn, s.positionFrame(step)); err != nil {
				return err
			}
			step++
			s.Stats.Sent.Add(1)
		}
	}
}

func (s *Simulator) positionFrame(step int) []byte {
	x, y, heading := PathPoint(step, s.opts.Steps, s.opts.Radius)
	heading = math.Mod(math.Round(heading*10)/10, 360)
	frame, _ := json.Marshal(map[string]interface{}{
		"event": protocol.TypePositionUpdate,
		"data": map[string]interface{}{
			"x":         math.Round(x*100) / 100,
			"y":         math.Round(y*100) / 100,
			"heading":   heading,
			"timestamp": time.Now().UnixMilli(),
		},
	})
	return frame
}

func (s *Simulator) write(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.opts.Log.LogError(logger.DirectionSent, err)
		return err
	}
	s.opts.Log.LogFrame(logger.DirectionSent, frame)
	return nil
}

func (s *Simulator) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Simulator) readLoop(conn *websocket.Conn, events chan<- inbound, readErr chan<- error, done <-chan struct{}) {
	deliver := func(ev inbound) {
		select {
		case events <- ev:
		case <-done:
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.emit(utils.FormatLog("🔌", "CLOSE", ce.Code, ce.Text))
				s.opts.Log.LogEvent(fmt.Sprintf("closed by gateway: %d %s", ce.Code, ce.Text))
				if ce.Code == constants.CloseGoingAway {
					deliver(inbound{shutdown: true})
					return
				}
			} else {
				s.opts.Log.LogError(logger.DirectionReceived, err)
			}
			readErr <- err
			return
		}
		s.opts.Log.LogFrame(logger.DirectionReceived, data)

		if ev, ok := s.handleFrame(data); ok {
			deliver(ev)
		}
	}
}

func (s *Simulator) handleFrame(data []byte) (inbound, bool) {
	var msg struct {
		Type              string `json:"type"`
		ClientID          string `json:"clientId"`
		HeartbeatInterval int64  `json:"heartbeatInterval"`
		Code              int    `json:"code"`
		Message           string `json:"message"`
		Reason            string `json:"reason"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		// firmware treats any non-JSON frame as a text command
		s.Stats.Commands.Add(1)
		s.emit(utils.FormatLog("📡", "CMD", 200, string(data)))
		stop := string(data) == constants.CommandStop
		return inbound{stop: stop}, stop
	}

	switch msg.Type {
	case protocol.TypeWelcome:
		s.clientID.Store(msg.ClientID)
		s.emit(utils.FormatLog("👋", "WELCOME", 200, msg.ClientID))
		if msg.HeartbeatInterval > 0 {
			return inbound{heartbeat: time.Duration(msg.HeartbeatInterval) * time.Millisecond}, true
		}
	case protocol.TypePositionAck:
		s.Stats.Acked.Add(1)
	case protocol.TypeError:
		s.Stats.Errors.Add(1)
		s.emit(utils.FormatLog("❌", "ERROR", msg.Code, msg.Message))
	case protocol.TypeCommand:
		s.Stats.Commands.Add(1)
		s.emit(utils.FormatLog("📡", "CMD", 200, string(data)))
	case protocol.TypeShutdown:
		s.emit(utils.FormatLog("🛑", "SHUTDOWN", 200, msg.Reason))
	}
	return inbound{}, false
}

func (s *Simulator) emit(line string) {
	if s.opts.OnFrame != nil {
		s.opts.OnFrame(line)
	}
}
