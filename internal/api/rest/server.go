// Package rest is the ambient HTTP introspection surface for a running
// RemoteComponent: liveness, connection status, pin snapshots, and a
// readiness toggle. gin-based router construction and graceful shutdown,
// stripped of auth and of every device/workflow/machine route as out of
// domain.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kestrel-automation/halremote-client/internal/config"
	"github.com/kestrel-automation/halremote-client/internal/observability"
	"github.com/kestrel-automation/halremote-client/internal/pin"
	"github.com/kestrel-automation/halremote-client/internal/remotecomponent"
	"github.com/kestrel-automation/halremote-client/internal/types"
)

// Component is the subset of remotecomponent.Component the REST surface
// needs; a narrow interface keeps this package testable without a live
// transport.
type Component interface {
	Name() string
	ConnectionState() remotecomponent.ConnectionState
	Connected() bool
	Error() (remotecomponent.ErrorKind, string)
	Pins() []*pin.Pin
	SetReady(ready bool, source remotecomponent.PinSource)
}

type Server struct {
	router    *gin.Engine
	component Component
	source    remotecomponent.PinSource
	logger    *zap.Logger
	server    *http.Server
	wsHub     *observability.Hub
}

func NewServer(cfg *config.RESTConfig, component Component, source remotecomponent.PinSource, wsHub *observability.Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		component: component,
		source:    source,
		logger:    logger,
		wsHub:     wsHub,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(loggerMiddleware(s.logger))

	s.router.GET("/healthz", s.healthz)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/pins", s.listPins)
		v1.POST("/ready", s.setReady)
		if s.wsHub != nil {
			v1.GET("/ws", s.wsLiveConnection)
		}
	}
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	observability.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	kind, text := s.component.Error()
	c.JSON(http.StatusOK, gin.H{
		"name":             s.component.Name(),
		"connection_state": s.component.ConnectionState().String(),
		"connected":        s.component.Connected(),
		"error":            kind.String(),
		"error_string":     text,
	})
}

type pinView struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Value     any    `json:"value"`
	Handle    uint32 `json:"handle"`
	Synced    bool   `json:"synced"`
}

func (s *Server) listPins(c *gin.Context) {
	pins := s.component.Pins()
	views := make([]pinView, 0, len(pins))
	for _, p := range pins {
		views = append(views, pinView{
			Name:      p.Name(),
			Type:      p.Type().String(),
			Direction: p.Direction().String(),
			Value:     p.Value(),
			Handle:    p.Handle(),
			Synced:    p.Synced(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pins": views})
}

type readyRequest struct {
	Ready bool `json:"ready"`
}

func (s *Server) setReady(c *gin.Context) {
	var req readyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("invalid_body", err.Error(), nil))
		return
	}

	s.component.SetReady(req.Ready, s.source)
	c.JSON(http.StatusOK, gin.H{"ready": req.Ready})
}
