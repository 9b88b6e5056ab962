// Package server exposes the operational HTTP surface: worker status, the
// manual settlement trigger and prometheus metrics. Order acceptance lives
// with the host process, not here.
package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/settlement"
)

// Server is the admin HTTP server.
type Server struct {
	engine *gin.Engine
	worker *settlement.Worker
	logger *zap.Logger
}

// New builds the admin router around the settlement worker.
func New(worker *settlement.Worker, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{engine: router, worker: worker, logger: logger.Named("admin")}

	v1 := router.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/settlement/trigger", s.handleTrigger)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("admin server listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.worker.GetStatus())
}

func (s *Server) handleTrigger(c *gin.Context) {
	result := s.worker.TriggerSettlementNow()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}
