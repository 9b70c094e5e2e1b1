package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/modelrouter/cache"
	"github.com/yanolja/modelrouter/config"
	"github.com/yanolja/modelrouter/degrade"
	"github.com/yanolja/modelrouter/dispatch"
	"github.com/yanolja/modelrouter/evaluator"
	"github.com/yanolja/modelrouter/failover"
	"github.com/yanolja/modelrouter/health"
	"github.com/yanolja/modelrouter/ledger"
	"github.com/yanolja/modelrouter/monitoring"
	"github.com/yanolja/modelrouter/quota"
	"github.com/yanolja/modelrouter/registry"
	"github.com/yanolja/modelrouter/router"
	"github.com/yanolja/modelrouter/selector"
	"github.com/yanolja/modelrouter/server"
	"github.com/yanolja/modelrouter/state"
	"github.com/yanolja/modelrouter/store/postgres"
	"github.com/yanolja/modelrouter/utils"
)

func setupStateStore(valkeyEndpoint string) (state.Store, func(), error) {
	if valkeyEndpoint == "" {
		memoryStore, cleanup := state.NewMemoryStore()
		return memoryStore, cleanup, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{valkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyStore(valkeyClient), valkeyClient.Close, nil
}

func setupDatabase(ctx context.Context, databaseUrl string, logger *zap.SugaredLogger) (*postgres.Store, error) {
	if databaseUrl == "" {
		return nil, nil
	}
	store, err := postgres.Open(ctx, databaseUrl, logger)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitoring.NewMetrics("modelrouter")
	alerter := monitoring.NewAlerter(sugar, metrics)
	degradeTracker := degrade.NewTracker(sugar, alerter, metrics)

	tracerProvider, shutdownTracing, err := monitoring.NewTracerProvider(ctx, cfg.Tracing, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup tracing", "error", err)
	}

	stateStore, closeState, err := setupStateStore(cfg.ValkeyEndpoint)
	if err != nil {
		sugar.Fatalw("Failed to setup state store", "error", err)
	}

	database, err := setupDatabase(ctx, cfg.DatabaseUrl, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup database", "error", err)
	}

	endpoints := registry.New(sugar)
	result := endpoints.Load(cfg.Endpoints)
	if result.Loaded == 0 {
		sugar.Fatalw("No valid endpoints configured", "rejected", len(result.Rejected))
	}

	adapters := newAdapters(ctx, cfg.Providers, sugar)
	performance := ledger.New(cfg.Budget, degradeTracker, alerter, metrics, sugar)
	quotas := quota.NewTracker(endpoints, cfg.RateLimit, stateStore, metrics, sugar)
	dispatcher := dispatch.New(adapters, quotas, performance, dispatch.OptionsFromConfig(cfg), tracerProvider, metrics, sugar)
	prober := health.NewProber(dispatcher, endpoints, cfg.Health, degradeTracker, metrics, sugar)
	ranker := selector.New(endpoints, prober, quotas, performance, sugar)
	coordinator := failover.NewCoordinator(ranker, dispatcher, cfg.Failover, alerter, metrics, sugar)
	scorer := evaluator.New(cfg.Quality, performance, alerter, metrics, sugar)

	var responseCache *cache.Cache
	if cfg.Cache.Enabled {
		responseCache = cache.New(cache.OptionsFromConfig(cfg.Cache), metrics, sugar)
	}

	if database != nil {
		performance.SetSink(database)
		coordinator.SetSink(database)
		prober.SetSink(database)
		quotas.SetSink(database)
	}

	requestRouter := router.New(ranker, coordinator, scorer, performance, responseCache, degradeTracker, sugar)

	services := server.Services{
		Router:    requestRouter,
		Registry:  endpoints,
		Health:    prober,
		Quota:     quotas,
		Telemetry: performance,
		Failovers: coordinator,
		Degrade:   degradeTracker,
		Metrics:   metrics.Handler(),
		Reload: func(ctx context.Context) (registry.LoadResult, error) {
			reloaded, err := config.LoadConfig(*configPath, sugar)
			if err != nil {
				return registry.LoadResult{}, err
			}
			return endpoints.Load(reloaded.Endpoints), nil
		},
	}
	if responseCache != nil {
		services.Cache = responseCache
	}
	if database != nil {
		services.Archive = database
	}
	proxy := server.New(services, cfg, sugar)

	endpoints.OnChange(prober.Sync)
	prober.Start(ctx)
	stops := []func(){
		quotas.Start(ctx),
		performance.Start(ctx),
		coordinator.Start(ctx),
	}
	if responseCache != nil {
		stops = append(stops, responseCache.Start(ctx))
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware.Handler(proxy.Handler()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	shutdownComplete := make(chan struct{})
	go func() {
		defer close(shutdownComplete)
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "port", cfg.Port, "endpoints", result.Loaded, "adapters", len(adapters))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("Failed to start server", "error", err)
	}
	<-shutdownComplete

	prober.Stop()
	for _, stop := range stops {
		stop()
	}
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		sugar.Warnw("Failed to flush traces", "error", err)
	}
	if database != nil {
		if err := database.Close(); err != nil {
			sugar.Warnw("Failed to close database", "error", err)
		}
	}
	if closeState != nil {
		closeState()
	}
	sugar.Infow("Server exited")
}
