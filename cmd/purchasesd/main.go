package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dejobratic/purchasesync/internal/backend"
	"github.com/dejobratic/purchasesync/internal/cache"
	"github.com/dejobratic/purchasesync/internal/commerce"
	"github.com/dejobratic/purchasesync/internal/config"
	"github.com/dejobratic/purchasesync/internal/database"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/httpclient"
	"github.com/dejobratic/purchasesync/internal/idempotency"
	"github.com/dejobratic/purchasesync/internal/products"
	"github.com/dejobratic/purchasesync/internal/purchases/adapters"
	httpadapter "github.com/dejobratic/purchasesync/internal/purchases/adapters/http"
	purchasesapp "github.com/dejobratic/purchasesync/internal/purchases/app"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/metrics"
	"github.com/dejobratic/purchasesync/internal/storage"
	"github.com/dejobratic/purchasesync/internal/telemetry"
	"github.com/go-chi/chi/v5"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, err := telemetry.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("purchasesd stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTelEndpoint,
		EnableTracing:  cfg.Telemetry.EnableTracing,
		EnableMetrics:  cfg.Telemetry.EnableMetrics,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	meter := telemetry.Meter()
	storeMetrics, err := database.NewMetrics(meter)
	if err != nil {
		return err
	}
	clientMetrics, err := httpclient.NewMetrics(meter)
	if err != nil {
		return err
	}
	purchaseMetrics, err := metrics.NewMetrics(meter)
	if err != nil {
		return err
	}
	apiMetrics, err := httpadapter.NewMetrics(meter)
	if err != nil {
		return err
	}
	commerceMetrics, err := commerce.NewMetrics(meter)
	if err != nil {
		return err
	}

	handle, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DatabaseURL: cfg.Storage.DatabaseURL,
		AutoMigrate: cfg.Storage.AutoMigrate,
		RedisAddr:   cfg.Storage.RedisAddr,
		RedisDB:     cfg.Storage.RedisDB,
		RedisPrefix: cfg.Storage.RedisPrefix,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()
	logger.Info("storage opened", "driver", handle.Driver)

	store := storage.NewObservableStore(handle.Store, handle.Driver, storeMetrics)

	deviceCache, err := devicecache.Open(ctx, store, devicecache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open device cache: %w", err)
	}

	environment := cache.ParseEnvironment(cfg.Purchases.Environment)
	client, err := httpclient.New(httpclient.Config{
		BaseURL:      cfg.Backend.BaseURL,
		APIKey:       cfg.Backend.APIKey,
		Version:      cfg.Backend.Version,
		Timeout:      cfg.Backend.Timeout,
		ObserverMode: cfg.Purchases.ObserverMode,
		Sandbox:      environment == cache.Sandbox,
		RateLimit:    cfg.Backend.RateLimit,
		RateBurst:    cfg.Backend.RateBurst,
	}, store, httpclient.WithMetrics(clientMetrics), httpclient.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	backendClient := adapters.NewObservableBackend(backend.New(client, logger), purchaseMetrics)

	sim := commerce.NewSimulator(cfg.Service.Name,
		commerce.WithProducts(demoCatalog()...),
		commerce.WithLogger(logger),
		commerce.WithMetrics(commerceMetrics),
	)
	defer sim.Close()

	service := purchasesapp.NewService(purchasesapp.Config{
		Environment:              environment,
		AppUserID:                cfg.Purchases.AppUserID,
		ObserverMode:             cfg.Purchases.ObserverMode,
		FinishTransactions:       cfg.Purchases.FinishTransactions,
		AllowSharingStoreAccount: cfg.Purchases.AllowSharingStoreAccount,
	}, purchasesapp.Dependencies{
		Backend:  backendClient,
		Cache:    deviceCache,
		Products: products.NewCache(sim, products.WithLogger(logger)),
		Receipts: sim,
		Payments: sim,
		Finisher: sim,
		AppState: purchasesapp.NewStaticAppState(cache.Foreground),
		Logger:   logger,
		Metrics:  purchaseMetrics,
	})
	defer service.Close()

	if err := service.Configure(ctx); err != nil {
		return fmt.Errorf("configure purchases: %w", err)
	}
	logger.Info("purchases configured", "app_user_id", service.AppUserID(), "environment", environment.String())

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		service.Reconciler().Run(ctx, sim.Events())
	}()
	if n, err := sim.Redeliver(ctx); err != nil {
		logger.Warn("failed to redeliver unfinished transactions", "error", err)
	} else if n > 0 {
		logger.Info("redelivered unfinished transactions", "count", n)
	}

	handler := httpadapter.NewHandler(
		purchasesapp.NewObservableService(service, logger),
		idempotency.NewStore(store),
		logger,
	)

	router := chi.NewRouter()
	router.Use(withRecovery, withLogging, httpadapter.WithMetrics(apiMetrics))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := handle.CheckHealth(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	handler.Register(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Purchases wait for the receipt post, which may take a full backend timeout.
		WriteTimeout: cfg.Backend.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownGrace)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("http server stopped")
	}

	// The deferred service.Close then waits for detached receipt posts
	// before the simulator and storage close.
	<-reconcilerDone
	return nil
}

func demoCatalog() []domain.Product {
	return []domain.Product{
		{
			Identifier:         "pro_monthly",
			Title:              "Pro (monthly)",
			Type:               domain.ProductTypeAutoRenewable,
			Price:              "4.99",
			CurrencyCode:       "USD",
			SubscriptionPeriod: "P1M",
		},
		{
			Identifier:         "pro_annual",
			Title:              "Pro (annual)",
			Type:               domain.ProductTypeAutoRenewable,
			Price:              "39.99",
			CurrencyCode:       "USD",
			SubscriptionPeriod: "P1Y",
		},
		{
			Identifier:   "lifetime",
			Title:        "Lifetime",
			Type:         domain.ProductTypeNonConsumable,
			Price:        "99.99",
			CurrencyCode: "USD",
		},
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.InfoContext(r.Context(), "http request", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration", time.Since(start))
	})
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic recovered", "error", rec)
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
