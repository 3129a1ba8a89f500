package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/conversa/internal/config"
	"github.com/smallbiznis/conversa/internal/credential"
	"github.com/smallbiznis/conversa/internal/exportjob"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"github.com/smallbiznis/conversa/internal/installation"
	installationdomain "github.com/smallbiznis/conversa/internal/installation/domain"
	"github.com/smallbiznis/conversa/internal/observability"
	obsmiddleware "github.com/smallbiznis/conversa/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/conversa/internal/observability/metrics"
	obstracing "github.com/smallbiznis/conversa/internal/observability/tracing"
	"github.com/smallbiznis/conversa/internal/platform"
	"github.com/smallbiznis/conversa/internal/pricing"
	"github.com/smallbiznis/conversa/internal/ratelimit"
	"github.com/smallbiznis/conversa/internal/transaction"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(registerGin),
	ratelimit.Module,
	platform.Module,
	credential.Module,
	installation.Module,
	pricing.Module,
	transaction.Module,
	exportjob.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	installationSvc installationdomain.Service
	exportJobSvc    exportjobdomain.Service
	exportLimiter   *ratelimit.ExportLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	InstallationSvc installationdomain.Service
	ExportJobSvc    exportjobdomain.Service
	ExportLimiter   *ratelimit.ExportLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		installationSvc: p.InstallationSvc,
		exportJobSvc:    p.ExportJobSvc,
		exportLimiter:   p.ExportLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerOAuthRoutes()
	svc.registerWebhookRoutes()
	svc.registerExportRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOAuthRoutes() {
	s.engine.GET("/oauth/callback", s.OAuthCallback)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/app", s.AppWebhook)
}

func (s *Server) registerExportRoutes() {
	exports := s.engine.Group("/exports")

	exports.POST("", s.ExportStartRateLimit(), s.StartExport)
	exports.GET("", s.ListExports)
	exports.GET("/:id", s.GetExport)
	exports.POST("/:id/pause", s.PauseExport)
	exports.POST("/:id/resume", s.ResumeExport)
}
