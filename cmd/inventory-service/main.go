// cmd/inventory-service/main.go
package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"nexus-inventory/internal/pkg/bootstrap"
	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/mq"
	"nexus-inventory/internal/pkg/redis"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/infrastructure"
	"nexus-inventory/internal/service/inventory/interfaces"
)

const serviceName = "inventory-service"

// seeder 由内存存储和 MySQL 存储共同实现。
type seeder interface {
	Seed(ctx context.Context, items []*domain.InventoryItem) (int, error)
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(cfg.App.LogLevel, serviceName)

	ctx := context.Background()
	var cleanups []func(ctx context.Context)

	// 1. 独占原语
	locker, closeLocker := newLocker(cfg)
	if closeLocker != nil {
		cleanups = append(cleanups, closeLocker)
	}

	// 2. 存储
	inventory, ledger, closeStore := newStores(ctx, cfg, locker)
	if closeStore != nil {
		cleanups = append(cleanups, closeStore)
	}
	seedInventory(ctx, cfg, inventory.(seeder))

	// 3. 事件发布
	var publisher domain.EventPublisher = infrastructure.LogEventPublisher{}
	if cfg.Infra.Kafka.Enabled {
		kafkaPublisher := infrastructure.NewKafkaEventPublisher(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.Topic))
		publisher = kafkaPublisher
		cleanups = append(cleanups, func(context.Context) {
			if err := kafkaPublisher.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing kafka writer")
			}
		})
	}

	// 4. 引擎和回收任务
	policy, err := application.NewRequestPolicy(cfg.Reservation.ReservePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid reserve policy")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := application.NewReservationEngine(inventory, ledger,
		application.WithTracer(otel.Tracer(serviceName)),
		application.WithMetrics(application.NewMetrics(registry)),
		application.WithPublisher(publisher),
		application.WithPolicy(policy),
		application.WithDefaultTimeout(cfg.Reservation.DefaultTimeoutMinutes),
	)
	reaper := application.NewExpiryReaper(engine, ledger, cfg.Reservation.ReapInterval, cfg.Reservation.ReapBatchSize)
	handler := interfaces.NewInventoryHandler(engine)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(app bootstrap.AppCtx) {
			handler.RegisterRoutes(app.Mux)
		},
		Workers: []bootstrap.Worker{
			func(ctx context.Context) error {
				reaper.Start(ctx)
				<-ctx.Done()
				reaper.Stop()
				return nil
			},
		},
		Gatherer:   registry,
		OnShutdown: cleanups,
	})
}

func newLocker(cfg *bootstrap.Config) (lock.Locker, func(ctx context.Context)) {
	wait := cfg.Reservation.LockWait

	switch cfg.Store.LockBackend {
	case "redis":
		client, err := redis.NewClient(cfg.Infra.Redis.Addrs)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		locker, err := lock.NewRedisLocker(client, cfg.Infra.Redis.KeyPrefix, cfg.Infra.Redis.LockTTL, wait)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create redis locker")
		}
		log.Info().Str("addrs", cfg.Infra.Redis.Addrs).Msg("Using redis lock backend")
		return locker, func(context.Context) { _ = client.Close() }

	case "zookeeper":
		conn, _, err := zk.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect zookeeper")
		}
		locker, err := lock.NewZookeeperLocker(conn, wait)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create zookeeper locker")
		}
		log.Info().Str("servers", strings.Join(cfg.Infra.Zookeeper.Servers, ",")).Msg("Using zookeeper lock backend")
		return locker, func(context.Context) { conn.Close() }

	default:
		return lock.NewKeyedMutex(wait), nil
	}
}

func newStores(ctx context.Context, cfg *bootstrap.Config, locker lock.Locker) (domain.InventoryStore, domain.ReservationLedger, func(ctx context.Context)) {
	if cfg.Store.Driver != "mysql" {
		log.Info().Msg("Using in-memory store")
		return infrastructure.NewMemoryInventoryStore(locker), infrastructure.NewMemoryReservationLedger(locker), nil
	}

	db, err := infrastructure.OpenMySQL(cfg.Store.MySQL.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mysql")
	}

	// 行锁模式下不使用外部锁
	var storeLocker lock.Locker
	if cfg.Store.MySQL.LockMode == "external" {
		storeLocker = locker
	}
	store := infrastructure.NewGormStore(db, storeLocker, cfg.Reservation.LockWait)
	if cfg.Store.MySQL.AutoMigrate {
		if err := store.AutoMigrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
	}
	log.Info().Str("lock_mode", cfg.Store.MySQL.LockMode).Msg("Using mysql store")

	return store.Inventory(), store.Ledger(), func(context.Context) {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func seedInventory(ctx context.Context, cfg *bootstrap.Config, store seeder) {
	now := time.Now()
	items := make([]*domain.InventoryItem, 0, len(cfg.Seed))
	for _, s := range cfg.Seed {
		items = append(items, domain.NewInventoryItem(s.SKU, s.ProductName, s.Quantity, now))
	}
	inserted, err := store.Seed(ctx, items)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed inventory")
	}
	log.Info().Int("inserted", inserted).Int("configured", len(items)).Msg("Inventory seeded")
}
