package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/approval"
	"github.com/uplinkd/uplink/internal/common/httpmw"
	"github.com/uplinkd/uplink/internal/common/logger"
)

// maxHookBodyBytes caps the hook request body; oversized payloads get 413.
const maxHookBodyBytes = 1 << 20

// Server serves the WebSocket endpoint and the hook HTTP API on one port.
type Server struct {
	hub       *Hub
	approvals *approval.Manager
	logger    *logger.Logger
	router    *gin.Engine
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
}

// New builds the server.
func New(hub *Hub, approvals *approval.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		hub:       hub,
		approvals: approvals,
		logger:    log.WithFields(zap.String("component", "server")),
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // token auth happens in-stream, not per-origin
			},
		},
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "uplinkd"))
	s.router.Use(httpmw.OtelTracing("uplinkd"))
	s.router.Use(s.recovery())
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleWebSocket)

	hooks := s.router.Group("/api/hooks")
	{
		hooks.POST("/approve", s.handleHookApprove)
		hooks.GET("/health", s.handleHookHealth)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// recovery turns panics into opaque 500s; internals never leak to hooks or
// clients.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in handler", zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(uuid.New().String(), conn, s.hub, s.logger)
	s.hub.register(client)

	// The request context dies when this handler returns; the connection
	// needs its own lifetime, cancelled when the read side drops.
	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go func() {
		defer cancel()
		client.readPump(ctx)
	}()
}

// handleHookApprove blocks the agent's permission hook until the request is
// resolved, then answers {"decision": "allow" | "deny" | "ask"}.
func (s *Server) handleHookApprove(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxHookBodyBytes)

	var input approval.HookInput
	if err := c.ShouldBindJSON(&input); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if input.SessionID == "" || input.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and tool_name are required"})
		return
	}

	decision := s.approvals.RequestApproval(c.Request.Context(), input)
	c.JSON(http.StatusOK, gin.H{"decision": string(decision)})
}

func (s *Server) handleHookHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"pending": s.approvals.PendingCount(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Pending
// approvals are drained before the transports close so no hook call is left
// hanging.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.approvals.Cleanup()
	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
