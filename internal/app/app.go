// Package app wires the order core to its backing services for the
// binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/reaper"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the wired components. With STORE=memory everything runs in
// process and Redis and Kafka stay nil.
type App struct {
	Service *orders.Service
	Reaper  *reaper.Reaper
	Catalog inventory.Catalog
	Cache   *redisx.StatusCache
	Redis   *redis.Client

	producers []*kafkax.Producer
	closers   []func()
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}
	var (
		ledger    inventory.Ledger
		store     orders.Store
		discounts orders.DiscountLookup
	)

	switch cfg.Store {
	case "memory":
		ms := memstore.New()
		Seed(ms)
		ledger, store, discounts, a.Catalog = ms, ms, ms, ms
		logger.Warn("using in-memory store; state is lost on exit")
	default:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool, "up"); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pl := &postgres.Ledger{DB: pool}
		ledger, a.Catalog = pl, pl
		store = &postgres.OrderStore{DB: pool}
		discounts = &postgres.Discounts{DB: pool}

		a.Redis = redisx.New(cfg.RedisAddr)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		a.Cache = &redisx.StatusCache{Redis: a.Redis, Logger: logger}
	}

	var events orders.Emitter
	if cfg.Store != "memory" {
		em := &kafkax.Emitter{Service: cfg.ServiceName, Publishers: map[string]kafkax.Publisher{}, Logger: logger}
		for _, topic := range []string{orders.TopicOrderCreated, orders.TopicOrderPaid, orders.TopicOrderCancelled} {
			p := kafkax.NewProducer(cfg.KafkaBrokers, topic, 1024, logger)
			p.Start()
			a.producers = append(a.producers, p)
			em.Publishers[topic] = p
		}
		events = em
	}

	gateways := map[orders.PaymentMethod]orders.Gateway{}
	if cfg.StripeSecretKey != "" {
		gateways[orders.MethodStripe] = payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.StripeCurrency)
	}
	if cfg.VNPayTmnCode != "" {
		gateways[orders.MethodVNPay] = &payment.Redirect{
			TmnCode:    cfg.VNPayTmnCode,
			HashSecret: cfg.VNPayHashSecret,
			PayURL:     cfg.VNPayPayURL,
		}
	}

	a.Service = &orders.Service{
		Ledger:            ledger,
		Store:             store,
		Discounts:         discounts,
		Gateways:          gateways,
		Events:            events,
		Logger:            logger.Named("orders"),
		ReservationWindow: cfg.ReservationWindow,
		ShippingFee:       cfg.ShippingFee,
		FreeShippingOver:  cfg.FreeShippingOver,
	}
	a.Reaper = &reaper.Reaper{
		Store:    store,
		Ledger:   ledger,
		Events:   events,
		Logger:   logger.Named("reaper"),
		Interval: cfg.ReaperInterval,
	}
	if a.Cache != nil {
		a.Service.Cache = a.Cache
		a.Reaper.Cache = a.Cache
	}
	if a.Redis != nil && cfg.ReaperLock {
		a.Reaper.Locker = &redisx.Locker{Redis: a.Redis}
	}
	return a, nil
}

// Close flushes the producers and releases connections.
func (a *App) Close() {
	for _, p := range a.producers {
		p.Close()
	}
	for _, p := range a.producers {
		p.WaitClosed()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
