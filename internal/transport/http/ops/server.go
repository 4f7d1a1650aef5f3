package opshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradelab/internal/backtest"
	"tradelab/internal/cache"
	"tradelab/internal/fetcher"
	"tradelab/internal/logger"
	"tradelab/internal/scheduler"
	"tradelab/internal/strategy"
)

// CacheService 是缓存管理器对外暴露的操作。
type CacheService interface {
	Stats() cache.Stats
	Detail(symbol, interval string) (cache.RecordStats, error)
	Query(ctx context.Context, req cache.Request) (cache.Result, error)
	Warmup(ctx context.Context, symbols, intervals []string, days int) ([]cache.WarmupItem, error)
	Clear(ctx context.Context, symbol, interval string) (int, error)
	Prune(ctx context.Context, keepDays int) (cache.PruneReport, error)
}

type BacktestService interface {
	Submit(req backtest.Request) (backtest.Result, error)
	Get(ctx context.Context, id string) (*backtest.Result, error)
	List(ctx context.Context, limit int) ([]backtest.Result, error)
}

type SchedulerControl interface {
	Status() scheduler.Status
	Trigger(ctx context.Context, name string) error
}

type StrategyCatalog interface {
	Snapshot() strategy.Snapshot
}

// Config 描述 HTTP Server 的依赖；Scheduler、Metrics 可为空。
type Config struct {
	Addr       string
	Cache      CacheService
	Backtests  BacktestService
	Strategies StrategyCatalog
	Scheduler  SchedulerControl
	Metrics    http.Handler
	// WarmupDays / KeepDays 是请求未指定时的默认值。
	WarmupDays int
	KeepDays   int
}

// Server 提供缓存、回测与调度的运维接口。
type Server struct {
	cfg    Config
	router *gin.Engine
	log    *logger.Entry
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Cache == nil || cfg.Backtests == nil || cfg.Strategies == nil {
		return nil, errors.New("ops http: cache/backtests/strategies 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.WarmupDays <= 0 {
		cfg.WarmupDays = 365
	}
	if cfg.KeepDays <= 0 {
		cfg.KeepDays = 730
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{cfg: cfg, router: router, log: logger.With("http")}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.cfg.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}
	api := s.router.Group("/api")

	c := api.Group("/cache")
	c.GET("/stats", s.handleCacheStats)
	c.GET("/candles", s.handleCandles)
	c.GET("/records/:symbol/:interval", s.handleCacheDetail)
	c.POST("/warmup", s.handleWarmup)
	c.POST("/prune", s.handlePrune)
	c.DELETE("", s.handleClear)

	api.GET("/strategies", s.handleStrategies)

	b := api.Group("/backtests")
	b.POST("", s.handleBacktestSubmit)
	b.GET("", s.handleBacktestList)
	b.GET("/:id", s.handleBacktestDetail)
	b.GET("/:id/trades", s.handleBacktestTrades)
	b.GET("/:id/equity", s.handleBacktestEquity)
	b.GET("/:id/chart", s.handleBacktestChart)

	api.GET("/scheduler", s.handleSchedulerStatus)
	api.POST("/scheduler/:task/trigger", s.handleSchedulerTrigger)
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// statusOf 把领域错误映射为 HTTP 状态码。
func statusOf(err error) int {
	var (
		noData   *cache.NoDataError
		fetchErr *fetcher.FetchError
		short    *backtest.InsufficientDataError
	)
	switch {
	case errors.As(err, &noData),
		errors.Is(err, backtest.ErrRunNotFound),
		errors.Is(err, strategy.ErrUnknownStrategy),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrKeyBusy), errors.Is(err, scheduler.ErrTaskBusy):
		return http.StatusConflict
	case errors.As(err, &short):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.log.Warnf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
