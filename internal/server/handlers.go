package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"telegate/internal/constants"
	"telegate/internal/dispatch"
	"telegate/internal/gateway"
	"telegate/internal/protocol"
	"telegate/internal/security"
	"telegate/internal/types"
)

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if s.Manager.ShuttingDown() {
		http.Error(w, constants.MsgShuttingDown, http.StatusServiceUnavailable)
		return
	}

	if !s.ConnLimiter.TryConnect(clientIP) {
		s.AuditLogger.LogConnectionLimit(clientIP)
		log.Printf("⛔ Connection limit exceeded: %s (%d open)", clientIP, s.ConnLimiter.Active(clientIP))
		http.Error(w, constants.MsgConnectionLimit, http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}

	g := s.Config.Gateway
	t := gateway.NewWSTransport(conn, clientIP, gateway.WSOptions{
		QueueSize:    g.SendQueueSize,
		PingInterval: g.HeartbeatInterval,
		ReadLimit:    int64(2 * g.MaxPayloadBytes),
		WriteWait:    constants.WriteWait,
	})

	if err := s.Manager.Serve(s.ctx, t); err != nil {
		log.Printf("🔌 Device %s not admitted: %v", clientIP, err)
	}
	<-t.Done()
}

func (s *Server) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxCommandBodySize)

	var req types.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: constants.MsgInvalidJSON})
		return
	}

	cmd, _ := protocol.ParseCommand(req.Command)
	cmd.Text = security.SanitizeCommand(cmd.Text)
	if cmd.IsZero() {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: constants.MsgCommandRequired})
		return
	}

	if req.Target != "" && req.Target != dispatch.Broadcast && !security.IsSessionID(req.Target) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: constants.MsgSessionNotFound})
		return
	}

	delivered, err := s.Dispatcher.Submit(req.Target, cmd)
	if errors.Is(err, dispatch.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: constants.MsgSessionNotFound})
		return
	}

	writeJSON(w, http.StatusOK, types.CommandResponse{
		Success:   true,
		Message:   fmt.Sprintf("Command %q sent", cmd.String()),
		Delivered: delivered,
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:       "ok",
		Sessions:     s.Manager.Registry().Len(),
		MaxClients:   s.Manager.Registry().MaxClients(),
		HistoryLen:   len(s.Manager.History()),
		ShuttingDown: s.Manager.ShuttingDown(),
	}

	status := http.StatusOK
	if resp.ShuttingDown {
		resp.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
