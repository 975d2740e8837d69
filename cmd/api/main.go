package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/safar/go-shop-payments/internal/api"
	"github.com/safar/go-shop-payments/internal/config"
	"github.com/safar/go-shop-payments/internal/database"
	"github.com/safar/go-shop-payments/internal/logging"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/order"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/payment/sepay"
	"github.com/safar/go-shop-payments/internal/reconcile"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "shop"),
	)

	registry := payment.NewRegistry()
	registry.Register(models.PaymentMethodSepay, sepay.New(cfg.Sepay, logger))

	handler := api.NewRouter(api.Deps{
		DB:         db,
		Orders:     order.NewService(db, registry, logger, order.NewMetrics(reg)),
		Reconciler: reconcile.New(db, registry, logger, reg),
		Registry:   registry,
		Logger:     logger,
		Auth:       cfg.Auth,
		RateLimit:  cfg.RateLimit,
		Registerer: reg,
		Gatherer:   reg,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Fatal("server error", zap.Error(err))
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
