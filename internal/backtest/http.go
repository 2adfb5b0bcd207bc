package backtest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"quantcore/internal/market"
	"quantcore/internal/registry"
	"quantcore/internal/train"

	"github.com/gin-gonic/gin"
)

// HTTPServer 提供 Gin 接口：触发数据拉取、提交回测/训练、查询结果、
// 管理模型版本的部署指针。
type HTTPServer struct {
	addr     string
	fetcher  *market.Fetcher
	sim      *Simulator
	results  *ResultStore
	trainer  *train.Manager
	registry *registry.Registry
	router   *gin.Engine
}

type HTTPConfig struct {
	Addr      string
	Fetcher   *market.Fetcher
	Simulator *Simulator
	Results   *ResultStore
	Trainer   *train.Manager
	Registry  *registry.Registry
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Simulator == nil || cfg.Results == nil {
		return nil, errors.New("simulator/results 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:     cfg.Addr,
		fetcher:  cfg.Fetcher,
		sim:      cfg.Simulator,
		results:  cfg.Results,
		trainer:  cfg.Trainer,
		registry: cfg.Registry,
		router:   router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api/backtest")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.GET("/jobs", s.handleJobs)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/trades", s.handleRunTrades)

	tr := s.router.Group("/api/train")
	tr.POST("", s.handleTrainStart)
	tr.GET("", s.handleTrainJobs)
	tr.GET("/:id", s.handleTrainStatus)

	models := s.router.Group("/api/models/:symbol/:timeframe")
	models.GET("", s.handleModelList)
	models.GET("/deployed", s.handleModelDeployed)
	models.POST("/deploy", s.handleModelDeploy)
	models.POST("/rollback", s.handleModelRollback)
}

func (s *HTTPServer) handleFetch(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取未启用"})
		return
	}
	var req struct {
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartTS   int64  `json:"start_ts" binding:"required"`
		EndTS     int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.fetcher.Submit(market.FetchParams{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.StartTS,
		End:       req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleFetchStatus(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取未启用"})
		return
	}
	job, ok := s.fetcher.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleJobs(c *gin.Context) {
	if s.fetcher == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []market.FetchJob{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.fetcher.Jobs()})
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	var params RunParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.Submit(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *HTTPServer) handleRunTrades(c *gin.Context) {
	trades, err := s.results.Trades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *HTTPServer) handleTrainStart(c *gin.Context) {
	if s.trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "训练服务未启用"})
		return
	}
	var params train.JobParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.trainer.Submit(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleTrainJobs(c *gin.Context) {
	if s.trainer == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []train.Job{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.trainer.Jobs()})
}

func (s *HTTPServer) handleTrainStatus(c *gin.Context) {
	if s.trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "训练服务未启用"})
		return
	}
	job, ok := s.trainer.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleModelList(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模型注册表未启用"})
		return
	}
	versions, err := s.registry.List(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (s *HTTPServer) handleModelDeployed(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模型注册表未启用"})
		return
	}
	env := c.DefaultQuery("env", "prod")
	mv, err := s.registry.Deployed(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"), env)
	if errors.Is(err, registry.ErrNoDeployment) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployed": mv})
}

func (s *HTTPServer) handleModelDeploy(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模型注册表未启用"})
		return
	}
	var req struct {
		Version int    `json:"version" binding:"required"`
		Env     string `json:"env"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Env == "" {
		req.Env = "prod"
	}
	err := s.registry.Deploy(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"), req.Version, req.Env)
	if errors.Is(err, registry.ErrVersionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployed_version": req.Version, "env": req.Env})
}

func (s *HTTPServer) handleModelRollback(c *gin.Context) {
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模型注册表未启用"})
		return
	}
	var req struct {
		Env string `json:"env"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Env == "" {
		req.Env = "prod"
	}
	mv, err := s.registry.Rollback(c.Request.Context(), c.Param("symbol"), c.Param("timeframe"), req.Env)
	if errors.Is(err, registry.ErrNoRollback) || errors.Is(err, registry.ErrNoDeployment) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployed": mv})
}

// Run 阻塞启动 HTTP 服务，ctx 取消时优雅退出。
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infof("HTTP 服务监听 %s", s.addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router 暴露给测试使用。
func (s *HTTPServer) Router() http.Handler { return s.router }
