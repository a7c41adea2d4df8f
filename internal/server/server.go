// Package server exposes the HTTP surface: event intake, event listing,
// pipeline status, health, and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	catalogdomain "github.com/scoutlabs/medallion/internal/catalog/domain"
	"github.com/scoutlabs/medallion/internal/config"
	golddomain "github.com/scoutlabs/medallion/internal/gold/domain"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	"github.com/scoutlabs/medallion/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServerParams struct {
	fx.In

	Config     config.Config
	Pipeline   *config.PipelineConfigHolder
	DB         *gorm.DB
	Log        *zap.Logger
	IngestSvc  ingestdomain.Service
	CatalogSvc catalogdomain.Service
	GoldSvc    golddomain.Service
	Watermark  watermark.Service
}

type Server struct {
	cfg        config.Config
	pipeline   *config.PipelineConfigHolder
	db         *gorm.DB
	log        *zap.Logger
	ingestSvc  ingestdomain.Service
	catalogSvc catalogdomain.Service
	goldSvc    golddomain.Service
	watermark  watermark.Service
	engine     *gin.Engine
}

func NewServer(p ServerParams) *Server {
	if !p.Config.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        p.Config,
		pipeline:   p.Pipeline,
		db:         p.DB,
		log:        p.Log.Named("server"),
		ingestSvc:  p.IngestSvc,
		catalogSvc: p.CatalogSvc,
		goldSvc:    p.GoldSvc,
		watermark:  p.Watermark,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/events", s.IngestEvent)
		v1.POST("/events/batch", s.IngestBatch)
		v1.POST("/events/archive", s.IngestArchive)
		v1.GET("/events", s.ListEvents)
		v1.GET("/status", s.PipelineStatus)
	}

	s.engine = r
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     s.cfg.AppName,
		"version": s.cfg.AppVersion,
	})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(Run),
)

func Run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
