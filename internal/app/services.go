package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vaxinv/vaxinv/internal/coldchain"
	"github.com/vaxinv/vaxinv/internal/dashboard"
	"github.com/vaxinv/vaxinv/internal/inventory"
	"github.com/vaxinv/vaxinv/internal/observability"
	"github.com/vaxinv/vaxinv/internal/platform/cache"
	"github.com/vaxinv/vaxinv/internal/platform/db"
	"github.com/vaxinv/vaxinv/internal/platform/sqlitestore"
	"github.com/vaxinv/vaxinv/internal/shared"
	"github.com/vaxinv/vaxinv/internal/vaccines"
)

// AuditStore records and lists audit entries.
type AuditStore interface {
	Record(ctx context.Context, log shared.AuditLog) error
	Recent(ctx context.Context, locationID int64, limit int) ([]shared.AuditLog, error)
}

// Stores holds the backends selected by STORE_DRIVER.
type Stores struct {
	Inventory   inventory.RepositoryPort
	Readings    coldchain.Repository
	Vaccines    vaccines.Directory
	Audit       AuditStore
	Idempotency inventory.IdempotencyPort

	Pool  *pgxpool.Pool
	Redis *redis.Client

	closers []func() error
}

// OpenStores connects the configured backends. Redis is optional: when it
// cannot be reached the vaccine cache and Redis idempotency keys are skipped.
func OpenStores(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stores, error) {
	s := &Stores{}
	switch cfg.StoreDriver {
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		s.Inventory = inventory.NewRepository(pool)
		s.Readings = coldchain.NewPostgresRepository(pool)
		s.Vaccines = vaccines.NewPostgresDirectory(pool)
		s.Audit = shared.NewAuditLogger(pool)
		s.Idempotency = shared.NewIdempotencyStore(pool)
	case StoreSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		inv, err := inventory.NewSQLiteRepository(store)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		readings, err := coldchain.NewSQLiteRepository(store)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Inventory = inv
		s.Readings = readings
		s.Vaccines = vaccines.NewMemoryDirectory(nil)
		s.Audit = shared.NewMemoryAuditLog(logger)
	case StoreMemory:
		s.Inventory = inventory.NewMemoryRepository()
		s.Readings = coldchain.NewMemoryRepository()
		s.Vaccines = vaccines.NewMemoryDirectory(nil)
		s.Audit = shared.NewMemoryAuditLog(logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr == "" {
		return s, nil
	}
	client, err := cache.New(ctx, cfg.RedisAddr, 0)
	if err != nil {
		logger.Warn("redis unavailable, running without vaccine cache", slog.Any("error", err))
		return s, nil
	}
	s.useRedis(client, cfg)
	return s, nil
}

func (s *Stores) useRedis(client *redis.Client, cfg *Config) {
	s.Redis = client
	s.closers = append(s.closers, client.Close)
	s.Vaccines = vaccines.NewCachedDirectory(s.Vaccines, client, cfg.VaccineCacheTTL)
	if s.Idempotency == nil {
		s.Idempotency = shared.NewRedisIdempotencyStore(client, cfg.IdempotencyTTL)
	}
}

// Close releases every backend in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Services are the domain services shared by the HTTP server and the worker.
type Services struct {
	Inventory *inventory.Service
	Coldchain *coldchain.Service
	Dashboard *dashboard.Service
	Vaccines  vaccines.Directory
}

// NewServices builds the domain services over stores. observer may be nil.
func NewServices(stores *Stores, cfg *Config, logger *slog.Logger, observer *observability.InventoryMetrics) *Services {
	var (
		invObserver  inventory.Observer
		coldObserver coldchain.Observer
	)
	if observer != nil {
		invObserver = observer
		coldObserver = observer
	}
	inv := inventory.NewService(stores.Inventory, inventory.DirectoryPolicies{Directory: stores.Vaccines},
		stores.Audit, stores.Idempotency, inventory.ServiceConfig{
			Location: cfg.Location(),
			Logger:   logger.With(slog.String("module", "inventory")),
			Observer: invObserver,
		})
	cold := coldchain.NewService(stores.Readings, stores.Audit, coldObserver,
		logger.With(slog.String("module", "coldchain")), nil)
	return &Services{
		Inventory: inv,
		Coldchain: cold,
		Dashboard: dashboard.NewService(inv, stores.Vaccines, stores.Audit, cold),
		Vaccines:  stores.Vaccines,
	}
}
