package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-storefront-orders/internal/app"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// worker runs the reservation reaper and the relayed payment callback
// consumer until SIGINT or SIGTERM.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "order-api" {
		cfg.ServiceName = "order-worker"
	}
	logger, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.ServiceName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wire app", zap.Error(err))
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Reaper.Run(ctx) })

	if cfg.Store != "memory" {
		relay := &payment.Relay{Payments: a.Service, Redis: a.Redis, Logger: logger.Named("relay")}
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentCallbackGroup, orders.TopicPaymentCallback,
			cfg.PaymentCallbackWorkers, logger.Named("consumer"))
		g.Go(func() error {
			logger.Info("payment callback consumer started",
				zap.String("group", cfg.PaymentCallbackGroup),
				zap.Int("workers", cfg.PaymentCallbackWorkers))
			return cons.Start(ctx, relay.Handle)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
