package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/config"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/db"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/libs/runtime"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/expiry"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/outbox"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/payments"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/reservation"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/storage/memory"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/storage/postgres"
	"github.com/MaxsuelsSouza/piscina.pwa-sub000/services/reservation-service/internal/storage/postgres/migrations"
)

// backend is everything the service needs from storage. Both drivers implement it.
type backend interface {
	reservation.Store
	outbox.Source
	expiry.Store
	payments.Inbox
	Ping(ctx context.Context) error
}

var (
	_ backend = (*memory.Store)(nil)
	_ backend = (*postgres.Store)(nil)
)

// openBackend selects the storage driver from STORAGE_DRIVER and returns it with its
// readiness check and shutdown step.
func openBackend(ctx context.Context, logger *slog.Logger) (backend, runtime.ReadyCheck, runtime.Closer, error) {
	driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres"))
	switch driver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		store := memory.New()
		return store, runtime.ReadyCheck{Name: "storage", Check: store.Ping}, runtime.Closer{Name: "storage"}, nil

	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, runtime.ReadyCheck{}, runtime.Closer{}, err
		}
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return nil, runtime.ReadyCheck{}, runtime.Closer{}, fmt.Errorf("db connect: %w", err)
		}
		if config.Bool("DB_AUTO_MIGRATE", true) {
			if err := migrations.Apply(ctx, pool); err != nil {
				pool.Close()
				return nil, runtime.ReadyCheck{}, runtime.Closer{}, fmt.Errorf("db migrate: %w", err)
			}
			logger.Info("db migrations applied")
		}
		closer := runtime.Closer{Name: "db", Fn: func(context.Context) error {
			pool.Close()
			return nil
		}}
		return postgres.NewStore(pool), runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)}, closer, nil

	default:
		return nil, runtime.ReadyCheck{}, runtime.Closer{}, fmt.Errorf("STORAGE_DRIVER must be postgres or memory (got %q)", driver)
	}
}
