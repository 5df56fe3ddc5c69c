package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nathanyu/stock-exchange/internal/broadcaster"
	"github.com/nathanyu/stock-exchange/internal/candle"
	"github.com/nathanyu/stock-exchange/internal/config"
	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/exchange"
	"github.com/nathanyu/stock-exchange/internal/handler"
	"github.com/nathanyu/stock-exchange/internal/ledger"
	"github.com/nathanyu/stock-exchange/internal/matching"
	"github.com/nathanyu/stock-exchange/internal/metrics"
	"github.com/nathanyu/stock-exchange/internal/orderstore"
	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/submission"
	"github.com/nathanyu/stock-exchange/internal/workqueue"
)

const (
	eventBufferSize    = 4096
	orderEngineWorkers = 2
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stock exchange service")

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	q, err := workqueue.Dial(cfg.Queue.URL, workqueue.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BackoffBase:   cfg.Retry.BackoffBase(),
		BackoffFactor: cfg.Retry.BackoffFactor,
	}, logger)
	if err != nil {
		logger.Fatal("dial work queue", zap.Error(err))
	}
	defer q.Close()

	l := ledger.New(st)
	orders := orderstore.New(st)
	candleStore := candle.NewStore(st)

	sink := broadcaster.NewChannelSink(eventBufferSize, func(e domain.Event) {
		logger.Warn("broadcaster: dropped event, subscriber channel full", zap.String("symbol", e.Symbol))
	})
	bc := broadcaster.New(sink, cfg.Broadcast.Debounce(), cfg.Broadcast.MaxWait())

	cb := candle.New(candleStore, bc, logger, cfg.Candle.GapFillInterval(), cfg.Candle.DedupeTTL(), cfg.Candle.DedupeCacheSize)

	risk := submission.NewRiskCheck(cfg.Risk.MaxDailyVolume)
	sub := submission.New(l, orders, q, risk)

	eng := matching.New(l, orders, q, logger)

	core := exchange.New(l, orders, sub, eng, cb, bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := eng.Run(ctx, orderEngineWorkers, cfg.Queue.OrderPrefetch); err != nil && ctx.Err() == nil {
			logger.Error("matching engine stopped", zap.Error(err))
		}
	}()

	go cb.Run(ctx)

	go func() {
		err := q.Consume(ctx, workqueue.KindTradeProcessing, cfg.Queue.TradePrefetch, func(ctx context.Context, job workqueue.Job) error {
			var payload matching.BatchTradePayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return fmt.Errorf("decode trade batch payload: %w", err)
			}
			metrics.TradesTotal.WithLabelValues(payload.Batch.Symbol).Add(float64(len(payload.Batch.Trades)))
			return cb.ConsumeBatch(ctx, payload.Batch)
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("trade-processing consumer stopped", zap.Error(err))
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.PrometheusMiddleware())

	h := handler.NewHandler(core)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":9090",
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}

	logger.Info("stock exchange service stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zcfg.Level = level
	return zcfg.Build()
}
