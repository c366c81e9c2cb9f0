package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krxusd/marketd/internal/cache"
	"github.com/krxusd/marketd/internal/clients/eximbank"
	"github.com/krxusd/marketd/internal/clients/krxdata"
	"github.com/krxusd/marketd/internal/clients/yahoo"
	"github.com/krxusd/marketd/internal/config"
	"github.com/krxusd/marketd/internal/database"
	"github.com/krxusd/marketd/internal/locking"
	"github.com/krxusd/marketd/internal/market"
	"github.com/krxusd/marketd/internal/modules/exchange"
	"github.com/krxusd/marketd/internal/modules/popular"
	"github.com/krxusd/marketd/internal/modules/stocks"
	"github.com/krxusd/marketd/internal/scheduler"
	"github.com/krxusd/marketd/internal/server"
	"github.com/krxusd/marketd/internal/source"
	"github.com/krxusd/marketd/pkg/logger"
)

func main() {
	// Bootstrap logger; replaced once the configured level is known.
	log := logger.New(logger.Config{
		Level:  "info",
		Pretty: true,
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log = logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode(),
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("env", cfg.Env).Msg("Starting marketd")

	ctx := context.Background()

	// Postgres (cold tier)
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Redis (hot tier)
	kv, err := cache.New(cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure Redis")
	}
	defer kv.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := kv.Ping(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Redis")
	}
	cancelPing()

	// KRX trading calendar
	cal, err := market.New(market.Config{HolidaysFile: cfg.HolidaysFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trading calendar")
	}

	// Upstream providers behind composite fallbacks
	httpTimeout := time.Duration(cfg.HTTPClientTimeoutSec) * time.Second
	krx := krxdata.NewClient(krxdata.Config{Timeout: httpTimeout}, log)
	yf := yahoo.NewClient(yahoo.Config{Timeout: httpTimeout}, log)
	exim := eximbank.NewClient(eximbank.Config{
		AuthKey: cfg.EximbankAuthKey,
		Timeout: httpTimeout,
	}, log)

	prices := source.NewComposite([]source.Adapter{krx, yf}, log)
	fxSource := source.NewFxComposite([]source.FxAdapter{yf, exim}, log)

	// Cache namespaces
	stockRealtime := cache.NewStockRealtime(kv)
	stockMinute := cache.NewStockMinute(kv)
	fxRealtime := cache.NewExchangeRealtime(kv)
	fxMinute := cache.NewExchangeMinute(kv)
	activeSymbols := cache.NewActiveSymbols(kv, time.Duration(cfg.Scheduler.ActiveSymbolTTLSec)*time.Second)
	marketStatus := cache.NewMarketStatus(kv)
	popularCache := cache.NewPopular(kv, time.Duration(cfg.Scheduler.PopularIntervalSec)*time.Second)
	schedState := cache.NewSchedulerState(kv)
	batchState := cache.NewBatchState(kv)

	// Services
	exchangeRepo := exchange.NewRepository(db.Pool(), log)
	exchangeSvc := exchange.NewService(exchange.ServiceConfig{
		Store:    exchangeRepo,
		Source:   fxSource,
		Realtime: fxRealtime,
		Minute:   fxMinute,
		Log:      log,
	})

	stocksRepo := stocks.NewRepository(db.Pool(), log)
	stocksSvc := stocks.NewService(stocks.ServiceConfig{
		Store:        stocksRepo,
		Quotes:       prices,
		Fx:           exchangeSvc,
		Locks:        locking.New(),
		Calendar:     cal,
		Realtime:     stockRealtime,
		Minute:       stockMinute,
		Log:          log,
		HistoryDays:  cfg.Sync.DefaultHistoryDays,
		HistoryYears: cfg.Sync.MaxHistoryYears,
	})

	popularRepo := popular.NewRepository(db.Pool(), log)
	popularSvc := popular.NewService(popular.ServiceConfig{
		Snapshot: krx,
		Store:    popularRepo,
		Cache:    popularCache,
		Log:      log,
	})

	// Sync locks are in-memory; recover rows a crashed process left behind.
	recoverCtx, cancelRecover := context.WithTimeout(ctx, 10*time.Second)
	if recovered, err := stocksRepo.StaleSyncingOlderThan(recoverCtx, time.Hour); err != nil {
		log.Warn().Err(err).Msg("Stale sync recovery failed")
	} else if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("Recovered stale syncing rows")
	}
	cancelRecover()

	// Background jobs
	sched := scheduler.New(scheduler.Config{
		Log:       log,
		Location:  cal.Location(),
		StopGrace: time.Duration(cfg.ShutdownGraceSec) * time.Second,
	})

	realtimeInterval := time.Duration(cfg.Scheduler.RealtimeIntervalSec) * time.Second
	realtimeJob := scheduler.NewRealtimeJob(scheduler.RealtimeJobConfig{
		Log:      log,
		Ctx:      sched.Context(),
		Quotes:   stocksSvc,
		Fx:       exchangeSvc,
		Tracker:  activeSymbols,
		Calendar: cal,
		Status:   marketStatus,
		State:    schedState,
		Interval: realtimeInterval,
		MaxBatch: cfg.Scheduler.MaxBatchSize,
	})
	batchJob := scheduler.NewDailyBatchJob(scheduler.DailyBatchJobConfig{
		Log:      log,
		Ctx:      sched.Context(),
		Stocks:   stocksSvc,
		Targets:  prices,
		Popular:  popularSvc,
		State:    batchState,
		Calendar: cal,
	})

	// Jobs are registered even when the scheduler is disabled so the
	// manual trigger endpoint still works; only the cron loop is gated.
	if err := sched.AddJob(fmt.Sprintf("@every %ds", cfg.Scheduler.RealtimeIntervalSec), realtimeJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register realtime job")
	}
	batchSchedule := fmt.Sprintf("0 %d %d * * MON-FRI", cfg.Scheduler.DailyBatchMinute, cfg.Scheduler.DailyBatchHour)
	if err := sched.AddJob(batchSchedule, batchJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register daily batch job")
	}
	if cfg.Scheduler.Enabled {
		sched.Start()
	} else {
		log.Warn().Msg("Scheduler disabled, background jobs will not run")
	}

	// HTTP surface
	stocksHandler := stocks.NewHandler(stocksSvc, popularSvc, activeSymbols, log)
	exchangeHandler := exchange.NewHandler(exchangeSvc, log)
	schedulerHandler := server.NewSchedulerHandler(server.SchedulerHandlerConfig{
		Log:      log,
		Sched:    sched,
		Runs:     schedState,
		Batch:    batchState,
		Registry: activeSymbols,
		Phase:    marketStatus,
		Calendar: cal,
		Quotes:   stocksSvc,
		Config:   cfg.Scheduler,
	})

	srv := server.New(server.Config{
		Port:        cfg.Port,
		Log:         log,
		DB:          db,
		Cache:       kv,
		CORSOrigins: cfg.CORSOrigins,
		DevMode:     cfg.DevMode(),
		Modules:     []server.Routable{stocksHandler, exchangeHandler, schedulerHandler},
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGraceSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sched.Stop()

	log.Info().Msg("Server stopped")
}
