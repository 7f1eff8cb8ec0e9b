// Package api 提供 SIPI 的 HTTP 接口：抓取端提交、审核员操作与只读报表。
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"sipi/internal/api/auth"
	"sipi/internal/api/middleware"
	"sipi/internal/config"
	"sipi/internal/ingest"
	"sipi/internal/ledger"
	"sipi/internal/model"
	"sipi/internal/pkg/health"
	"sipi/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger 探测一个外部依赖（数据库、Redis）是否可用。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 把函数适配为 Pinger。
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Submitter 把提交写入入库流。
type Submitter interface {
	Submit(ctx context.Context, sub model.Submission, source string) error
}

// Deps API 服务依赖。
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       store.Store
	Coordinator *ingest.Coordinator
	Ledger      *ledger.Ledger
	Health      *health.Tracker
	// Intake 异步入库流（可选），?async=true 的提交写入这里由 ingestor 消费
	Intake Submitter
	// Pingers 按名称探测的依赖，/healthz 使用
	Pingers map[string]Pinger
}

// Server 封装了 API 服务所需的依赖和路由处理。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	coord   *ingest.Coordinator
	ledger  *ledger.Ledger
	health  *health.Tracker
	intake  Submitter
	pingers map[string]Pinger
	router  *gin.Engine
	auth    *auth.Handler
}

// NewServer 初始化 Gin 路由与处理器。
//
// 参数:
//
//	deps: 已构造好的存储、协调器与账本
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		store:   deps.Store,
		coord:   deps.Coordinator,
		ledger:  deps.Ledger,
		health:  deps.Health,
		intake:  deps.Intake,
		pingers: deps.Pingers,
		router:  r,
		auth:    auth.NewHandler(deps.Store, deps.Config.Security.JWTSecret, deps.Config.Security.TokenTTL, deps.Logger),
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Auth 返回登录处理器（用于签发测试或运维令牌）。
func (s *Server) Auth() *auth.Handler {
	return s.auth
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/login", s.auth.Login)

	authed := s.router.Group("/api")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))

	authed.POST("/listings", s.handleIngest)
	authed.POST("/listings/batch", s.handleIngestBatch)
	authed.GET("/listings/:id", s.handleGetListing)
	authed.GET("/listings/:id/changes", s.handleListChanges)
	authed.PUT("/listings/:id/match", s.handleSetMatch)
	authed.POST("/passes", s.handleCompletePass)

	authed.GET("/detections", s.handleListDetections)
	authed.POST("/detections/:id/evidence", s.handleAddEvidence)

	authed.GET("/duplicates", s.handleListDuplicates)
	authed.POST("/duplicates", s.handleCreateDuplicate)
	authed.POST("/duplicates/:id/validate", s.handleValidateDuplicate)

	authed.GET("/stats/portals", s.handlePortalStats)
	authed.GET("/stats/detections", s.handleDetectionStats)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "dependency": name})
			return
		}
	}

	status := "ok"
	if s.health.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"degraded":     s.health.Degraded(),
		"dependencies": s.health.Snapshot(),
	})
}
