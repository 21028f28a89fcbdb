package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"telegate/internal/config"
	"telegate/internal/constants"
	"telegate/internal/dashboard"
	"telegate/internal/dispatch"
	"telegate/internal/gateway"
	"telegate/internal/history"
	"telegate/internal/security"
	"telegate/internal/session"
)

type Server struct {
	Config      *config.Config
	Manager     *gateway.Manager
	Dispatcher  *dispatch.Dispatcher
	Source      dispatch.Source
	Dashboard   *dashboard.Dashboard
	ConnLimiter *security.ConnectionLimiter
	AuditLogger *security.AuditLogger
	UseTLS      bool

	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(cfg *config.Config) (*Server, error) {
	g := cfg.Gateway

	auditLogger := security.NewAuditLogger(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
	if auditLogger != nil {
		log.Printf("📝 Audit log: %s", cfg.Audit.Path)
	}

	registry := session.NewRegistry(g.MaxClients)
	ring := history.NewRing(g.HistorySize)
	manager := gateway.NewManager(gateway.OptionsFromConfig(g), registry, ring, auditLogger)

	dash, err := dashboard.New(manager, g.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Config:      cfg,
		Manager:     manager,
		Dispatcher:  dispatch.NewDispatcher(registry, auditLogger),
		Source:      dispatch.NewSource(cfg.Redis),
		Dashboard:   dash,
		ConnLimiter: security.NewConnectionLimiter(g.MaxConnectionsPerIP),
		AuditLogger: auditLogger,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  constants.WSBufferSize,
		WriteBufferSize: constants.WSBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return security.OriginAllowed(r.Header.Get("Origin"), cfg.Server.AllowedOrigins)
		},
	}
	return s, nil
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointCommand, s.HandleCommand)
	mux.HandleFunc(constants.EndpointLegacyCommand, s.HandleCommand)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)
	s.Dashboard.Register(mux)
	mux.Handle(constants.EndpointRoot, s.Dashboard)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(s.Config.Server.AllowedOrigins)(handler)
	handler = security.SecurityHeaders(handler)
	handler = GzipMiddleware(handler)
	return handler
}

// Start launches the reaper and the external command source.
func (s *Server) Start() {
	s.Manager.StartReaper(s.ctx)

	if s.Source != nil {
		go func() {
			if err := s.Source.Run(s.ctx, s.Dispatcher); err != nil {
				log.Printf("⚠️  Command source stopped: %v", err)
			}
		}()
	}
}

func (s *Server) Run() error {
	cfg := s.Config.Server

	useTLS := false
	if cfg.EnableTLS {
		if _, err := os.Stat(cfg.CertFile); err == nil {
			if _, err := os.Stat(cfg.KeyFile); err == nil {
				useTLS = true
			}
		}

		if !useTLS {
			log.Printf("Warning: TELEGATE_ENABLE_TLS is true but certs not found at %s", cfg.CertFile)
		}
	}
	s.UseTLS = useTLS

	handler := s.Handler()
	var h2Handler http.Handler
	if useTLS {
		h2Handler = handler
	} else {
		h2Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    constants.MaxHeaderBytes,
	}

	s.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	errChan := make(chan error, 1)

	if useTLS {
		log.Printf("🔒 HTTPS enabled (HTTP/2)")
		go func() {
			if err := server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	} else {
		log.Printf("🌐 HTTP mode (HTTP/2 enabled)")
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	log.Printf("🚀 %s gateway starting on %s (max %d devices)", constants.AppName, server.Addr, s.Config.Gateway.MaxClients)

	var runErr error
	select {
	case <-sigChan:
	case runErr = <-errChan:
		log.Printf("HTTP server error: %v", runErr)
	}
	log.Println("🛑 Shutting down server...")

	graceCtx, cancel := context.WithTimeout(context.Background(), s.Config.Gateway.ShutdownGrace)
	defer cancel()
	if err := s.Manager.Shutdown(graceCtx); err != nil {
		log.Printf("Sessions did not drain: %v", err)
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	s.Cleanup()
	log.Println("✅ Server stopped")
	return runErr
}

func (s *Server) Cleanup() {
	s.Manager.Stop()
	s.cancel()
	if s.Source != nil {
		s.Source.Close()
	}
	s.AuditLogger.Close()
}
