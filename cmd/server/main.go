// Command server exposes the backtest engine over HTTP: submit a run, poll
// its status, fetch the result. Candle data comes from ClickHouse.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mtfbacktest/services/engine"
	"mtfbacktest/services/market"
	"mtfbacktest/services/marketdata"
	"mtfbacktest/strategies"
)

func mustEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

type serverConfig struct {
	HTTPAddr string
	CH       marketdata.ClickHouseConfig
}

func loadConfig() serverConfig {
	return serverConfig{
		HTTPAddr: mustEnv("HTTP_ADDR", ":8080"),
		CH: marketdata.ClickHouseConfig{
			Addr:     mustEnv("CH_ADDR", "localhost:9000"),
			Database: mustEnv("CH_DATABASE", "backtest"),
			Table:    mustEnv("CH_TABLE", "data"),
			User:     mustEnv("CH_USER", "backtest"),
			Password: mustEnv("CH_PASSWORD", "backtest123"),
		},
	}
}

type jobStatus string

const (
	jobRunning jobStatus = "running"
	jobDone    jobStatus = "done"
	jobFailed  jobStatus = "failed"
)

type job struct {
	ID        string         `json:"id"`
	Status    jobStatus      `json:"status"`
	Submitted time.Time      `json:"submitted"`
	Error     string         `json:"error,omitempty"`
	Result    *engine.Result `json:"result,omitempty"`

	cancel func()
}

// backtestRequest is the POST body of a run submission.
type backtestRequest struct {
	Symbol     string   `json:"symbol" binding:"required"`
	Strategies []string `json:"strategies" binding:"required"`
	From       string   `json:"from" binding:"required"`
	To         string   `json:"to" binding:"required"`

	// Params holds per-strategy parameter overrides keyed by strategy ID,
	// validated against each strategy's schema.
	Params map[string]map[string]float64 `json:"params"`

	InitialCapital float64 `json:"initial_capital"`
	PerTradeRisk   float64 `json:"per_trade_risk"`
	MaxTotalRisk   float64 `json:"max_total_risk"`
	Compounding    bool    `json:"compounding"`
	PointValue     float64 `json:"point_value"`
}

type service struct {
	loader  *marketdata.Loader
	symbols *marketdata.SymbolRepository
	log     *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*job
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := loadConfig()
	ctx := context.Background()

	loader, err := marketdata.NewLoader(ctx, cfg.CH, log)
	if err != nil {
		log.Fatal("connect clickhouse", zap.Error(err))
	}
	defer loader.Close()

	svc := &service{
		loader:  loader,
		symbols: marketdata.NewSymbolRepository(defaultSymbols()...),
		log:     log,
		jobs:    make(map[string]*job),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", svc.handleHealth)
	api := router.Group("/api/v1")
	{
		api.POST("/backtests", svc.handleSubmit)
		api.GET("/backtests/:id", svc.handleGet)
		api.DELETE("/backtests/:id", svc.handleCancel)
		api.GET("/symbols", svc.handleSymbols)
		api.GET("/strategies", svc.handleStrategies)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}

func defaultSymbols() []marketdata.SymbolMeta {
	return []marketdata.SymbolMeta{
		{Symbol: "BTCUSDT", AssetType: "crypto", Exchange: "binance", PointValue: 1},
		{Symbol: "ETHUSDT", AssetType: "crypto", Exchange: "binance", PointValue: 1},
	}
}

func (s *service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

func (s *service) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.symbols.Active()})
}

func (s *service) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": strategies.Names()})
}

func (s *service) handleSubmit(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.symbols.IsActive(req.Symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("symbol %s not active", req.Symbol)})
		return
	}
	from, err := time.Parse(time.RFC3339, req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from: " + err.Error()})
		return
	}
	to, err := time.Parse(time.RFC3339, req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to: " + err.Error()})
		return
	}

	meta, _ := s.symbols.Get(req.Symbol)
	cfg := engine.Config{
		InitialCapital: orDefault(req.InitialCapital, 10000),
		PerTradeRisk:   orDefault(req.PerTradeRisk, 0.01),
		MaxTotalRisk:   req.MaxTotalRisk,
		Compounding:    req.Compounding,
		PointValue:     orDefault(req.PointValue, meta.PointValue),
	}
	eng := engine.New(cfg, engine.WithLogger(s.log))

	tfSet := map[string]bool{}
	var tfs []string
	for _, name := range req.Strategies {
		strat, err := strategies.New(name, req.Params[name])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.Register(strat); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, tf := range strat.Metadata().RequiredTimeframes {
			if !tfSet[tf] {
				tfSet[tf] = true
				tfs = append(tfs, tf)
			}
		}
	}

	j := &job{
		ID:        uuid.NewString(),
		Status:    jobRunning,
		Submitted: time.Now().UTC(),
		cancel:    eng.Cancel,
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	go s.runJob(j, eng, req.Symbol, tfs, from, to)

	c.JSON(http.StatusAccepted, gin.H{"job_id": j.ID, "status": j.Status})
}

func (s *service) runJob(j *job, eng *engine.Engine, symbol string, tfs []string, from, to time.Time) {
	start := time.Now()
	s.log.Info("job starting", zap.String("job_id", j.ID), zap.String("symbol", symbol), zap.Strings("timeframes", tfs))

	data, err := s.loadData(symbol, tfs, from, to)
	if err == nil {
		var result *engine.Result
		result, err = eng.Run(data)
		if err == nil {
			s.mu.Lock()
			j.Status = jobDone
			j.Result = result
			s.mu.Unlock()
			s.log.Info("job finished", zap.String("job_id", j.ID),
				zap.Duration("elapsed", time.Since(start)), zap.Int("trades", len(result.Trades)))
			return
		}
	}

	s.mu.Lock()
	j.Status = jobFailed
	j.Error = err.Error()
	s.mu.Unlock()
	s.log.Error("job failed", zap.String("job_id", j.ID), zap.Error(err))
}

func (s *service) loadData(symbol string, tfs []string, from, to time.Time) (map[string]*market.Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return s.loader.LoadFrames(ctx, symbol, tfs, from, to)
}

// jobSnapshot copies the job under the read lock; marshaling the live
// pointer would race with runJob's status writes.
func (s *service) jobSnapshot(id string) (job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job{}, false
	}
	return *j, true
}

func (s *service) handleGet(c *gin.Context) {
	j, ok := s.jobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *service) handleCancel(c *gin.Context) {
	s.mu.RLock()
	j, ok := s.jobs[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	j.cancel()
	c.JSON(http.StatusOK, gin.H{"job_id": j.ID, "status": "cancel requested"})
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
