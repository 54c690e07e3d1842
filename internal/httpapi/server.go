// Package httpapi exposes the trigger and enrollment entry points over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dripline/internal/delivery"
	"dripline/internal/eventbus"
	"dripline/internal/storage"
	"dripline/internal/tracking"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

type Triggerer interface {
	Invoke(ctx context.Context, req trigger.Request) (delivery.Summary, error)
}

type Enroller interface {
	Enroll(ctx context.Context, e storage.Enrollment, now time.Time) (tracking.Record, bool, error)
}

type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pprof mounts the runtime profiles under /debug/pprof.
	Pprof bool
}

// Deps are the collaborators behind the routes. Health may be nil.
type Deps struct {
	Trigger  Triggerer
	Enroller Enroller
	Bus      eventbus.Bus
	Health   func() any
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	if cfg.JWTSecret != "" {
		v1.Use(bearerAuth(cfg.JWTSecret))
	}
	{
		v1.POST("/trigger", s.trigger)
		v1.POST("/enrollments", s.enroll)
	}
	if cfg.Pprof {
		mountPprof(r, cfg.JWTSecret)
	}
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	s.log.Info("http stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Health != nil {
		body["runtime"] = s.deps.Health()
	}
	c.JSON(http.StatusOK, body)
}
