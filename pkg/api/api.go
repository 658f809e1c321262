package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/gateway-audit/pkg/config"
	"github.com/telekom/gateway-audit/pkg/metrics"
	"github.com/telekom/gateway-audit/pkg/ratelimit"
	"github.com/telekom/gateway-audit/pkg/system"
	"github.com/telekom/gateway-audit/pkg/version"
)

type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// ReadinessCheck reports why the node cannot serve yet; nil means ready.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	gin     *gin.Engine
	config  config.Server
	limiter *ratelimit.Limiter
	ready   map[string]ReadinessCheck
	log     *zap.Logger
}

func NewServer(log *zap.Logger, cfg config.Server, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)
	if len(cfg.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("ignoring invalid trusted proxies", zap.Error(err))
		}
	} else {
		_ = engine.SetTrustedProxies(nil)
	}

	limitCfg := cfg.RateLimit
	if limitCfg.Rate <= 0 {
		limitCfg = ratelimit.DefaultAPIConfig()
	}

	s := &Server{
		gin:     engine,
		config:  cfg,
		limiter: ratelimit.New(limitCfg),
		ready:   make(map[string]ReadinessCheck),
		log:     log,
	}

	// probes and metrics are not rate limited
	engine.GET("healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("readyz", s.readyz)
	engine.GET("metrics", gin.WrapH(metrics.MetricsHandler()))

	api := engine.Group("api", s.limiter.Middleware(), system.RequestLogger(log.Sugar()))
	api.GET("buildinfo", func(c *gin.Context) { c.JSON(http.StatusOK, version.GetBuildInfo()) })

	return s
}

// AddReadinessCheck registers a named check evaluated by /readyz.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.ready[name] = check
}

func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api", s.limiter.Middleware(), system.RequestLogger(s.log.Sugar()))
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Listen serves until ctx is done, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	s.log.Info("admin API listening", zap.String("address", s.config.ListenAddress))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Close stops the rate limiter's cleanup loop.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) readyz(c *gin.Context) {
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(c.Request.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
