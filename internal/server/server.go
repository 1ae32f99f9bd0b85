package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/relay/internal/config"
	"github.com/nulzo/relay/internal/router"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Server exposes local introspection endpoints: provider health, the
// redacted effective config, and today's spend. It binds loopback by
// default and never proxies completions.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	rt     *router.Router
}

func New(cfg *config.Config, logger *zap.Logger, rt *router.Router) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(otelgin.Middleware("relay"))

	s := &Server{engine: engine, cfg: cfg, rt: rt}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	return s.engine.Run(s.cfg.Server.Addr)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/providers/health", s.providersHealth)
	s.engine.GET("/config", s.configView)
	s.engine.GET("/spend", s.spend)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) providersHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": s.rt.Health(c.Request.Context()),
	})
}

// configView returns the effective configuration with every secret
// redacted and each key annotated with its source layer.
func (s *Server) configView(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.ConfigView())
}

func (s *Server) spend(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Spend())
}
