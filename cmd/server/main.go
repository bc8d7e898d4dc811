package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/cache"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/connectivity"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/cursor"
	httpRouter "github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/http"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/repository"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/adapter/store"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/clock"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/config"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/ports"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/metrics"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/service"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

// demoSeedDays is how much history demo mode generates at startup.
const demoSeedDays = 30

func main() {
	log := logger.NewLogger(os.Getenv("LOG_LEVEL"))
	log.Info("Starting currency sync service")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.NewLogger(cfg.LogLevel)

	clockCfg, err := cfg.Policy.ClockConfig()
	if err != nil {
		log.Error("Invalid publication policy", "error", err)
		os.Exit(1)
	}
	policy, err := clock.NewPolicy(clockCfg)
	if err != nil {
		log.Error("Invalid publication policy", "error", err)
		os.Exit(1)
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	rateCache := cache.NewMemoryCache(log)

	var (
		rateStore   ports.DurableStore
		remote      ports.RemoteRateSource
		fetchCursor ports.FetchCursorStore
		monitor     ports.ConnectivityMonitor
		closers     []func() error
	)

	if cfg.Sync.DemoMode {
		log.Info("Demo mode: using generated rates and in-memory storage")
		rateStore = store.NewMemoryStore(cfg.ExchangeAPI.BaseCurrency)
		remote = repository.NewDemoSource(cfg.ExchangeAPI.BaseCurrency, policy, time.Now)
		fetchCursor = cursor.NewMemoryCursor()
		monitor = connectivity.Static(true)
	} else {
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Error("Failed to create data directory", "error", err, "dir", dir)
				os.Exit(1)
			}
		}
		sqliteStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.ExchangeAPI.BaseCurrency, log)
		if err != nil {
			log.Error("Failed to open rate store", "error", err, "path", cfg.Storage.SQLitePath)
			os.Exit(1)
		}
		closers = append(closers, sqliteStore.Close)
		rateStore = sqliteStore

		remote = repository.NewExchangeAPI(
			cfg.ExchangeAPI.BaseURL,
			cfg.ExchangeAPI.BaseCurrency,
			cfg.ExchangeAPI.Timeout,
			repository.BreakerSettings{
				MaxFailures: cfg.ExchangeAPI.BreakerFailures,
				OpenTimeout: cfg.ExchangeAPI.BreakerTimeout,
			},
			log,
		)

		fetchCursor = cursor.NewMemoryCursor()
		if cfg.Redis.Addr != "" {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			client, err := cursor.NewRedisClient(pingCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			cancel()
			if err != nil {
				log.Warn("Redis unavailable, keeping fetch cursor in memory", "error", err, "addr", cfg.Redis.Addr)
			} else {
				log.Info("Fetch cursor stored in Redis", "addr", cfg.Redis.Addr, "key", cfg.Redis.CursorKey)
				fetchCursor = cursor.NewRedisCursor(client, cfg.Redis.CursorKey)
				closers = append(closers, client.Close)
			}
		}

		prober := connectivity.NewProber(cfg.Connectivity.ProbeAddr, cfg.Connectivity.ProbeInterval, log)
		go prober.Run(ctx)
		monitor = prober
	}

	syncService := service.NewSyncService(service.Dependencies{
		Remote:       remote,
		Store:        rateStore,
		Cursor:       fetchCursor,
		Cache:        rateCache,
		Connectivity: monitor,
		Policy:       policy,
		Metrics:      appMetrics,
		Log:          log,
	}, service.Options{
		FetchTimeout:   cfg.ExchangeAPI.Timeout,
		MaxHistoryDays: cfg.Sync.MaxHistoryDays,
	})

	if cfg.Sync.DemoMode {
		seedDemo(ctx, syncService, policy, log)
	}

	handler := httpRouter.NewHandler(syncService, log)
	router := httpRouter.NewRouter(handler, log, appMetrics, nil)
	routes := router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      routes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go refreshRates(ctx, syncService, cfg.ExchangeAPI.RefreshRate, log)

	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	cancelBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("Failed to close resource", "error", err)
		}
	}

	log.Info("Server exited")
}

// refreshRates asks the service to refresh whenever the publication policy
// says new rates may be out.
func refreshRates(ctx context.Context, svc ports.SyncService, interval time.Duration, log *logger.Logger) {
	tick := func() {
		tickCtx := logger.WithTraceID(ctx, logger.NewTraceID())
		refreshed, err := svc.RefreshIfDue(tickCtx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithContext(tickCtx).Error("Failed to refresh rates", "error", err)
			return
		}
		if refreshed {
			log.WithContext(tickCtx).Info("Scheduled refresh completed")
		}
	}

	// Refresh rates immediately at startup
	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			log.Info("Stopping rate refresh goroutine")
			return
		}
	}
}

// seedDemo fills a month of generated history so trends are available
// immediately.
func seedDemo(ctx context.Context, svc ports.SyncService, policy *clock.Policy, log *logger.Logger) {
	today := policy.Today(time.Now())
	if _, err := svc.FetchAndSaveHistorical(ctx, today.AddDate(0, 0, -demoSeedDays), today); err != nil {
		log.Error("Failed to seed demo history", "error", err)
		return
	}
	if _, err := svc.TriggerRefresh(ctx); err != nil {
		log.Error("Failed to seed demo rates", "error", err)
		return
	}
	log.Info("Seeded demo data", "days", demoSeedDays)
}
