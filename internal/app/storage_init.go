package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
	"github.com/vladislavdragonenkov/shop/internal/storage/postgres"
)

// runtimeDependencies объединяет репозитории, собранные по выбранному
// драйверу хранилища.
type runtimeDependencies struct {
	addressRepo     domain.AddressRepository
	orderRepo       domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	// store не nil только для postgres-драйвера.
	store *postgres.Store
}

// initRuntimeDependencies собирает репозитории по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		outboxRepo := memory.NewOutboxRepository()
		orders := memory.NewOrderRepository(outboxRepo)
		seedDemoCatalog(orders, logger)

		return &runtimeDependencies{
			addressRepo:     memory.NewAddressRepository(),
			orderRepo:       orders,
			outboxRepo:      outboxRepo,
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage driver requires SHOP_POSTGRES_DSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		return &runtimeDependencies{
			addressRepo:     postgres.NewAddressRepository(store),
			orderRepo:       postgres.NewOrderRepository(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			store:           store,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// close освобождает ресурсы хранилища.
func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		logger.WithError(err).Warn("failed to close postgres store")
	}
}

// seedDemoCatalog наполняет in-memory каталог, чтобы сервис без
// Postgres был пригоден для локальной разработки и нагрузочных прогонов.
func seedDemoCatalog(orders *memory.OrderRepository, logger *log.Entry) {
	products := []domain.Product{
		{ID: "demo-arroz", Name: "Arroz Diana 500g", ImageURL: "https://cdn.example/arroz.jpg", PriceMinor: 3200, Stock: 100},
		{ID: "demo-cafe", Name: "Café Juan Valdez 250g", ImageURL: "https://cdn.example/cafe.jpg", PriceMinor: 18500, Stock: 50},
		{ID: "demo-panela", Name: "Panela La Abuela", ImageURL: "https://cdn.example/panela.jpg", PriceMinor: 4100, Stock: 200},
	}
	for _, p := range products {
		orders.SeedProduct(p)
	}
	logger.WithField("products", len(products)).Info("in-memory catalog seeded")
}
