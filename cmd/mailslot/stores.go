package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/znz-systems/mailslot/internal/config"
	"github.com/znz-systems/mailslot/internal/database"
	"github.com/znz-systems/mailslot/internal/store"
	"github.com/znz-systems/mailslot/internal/store/memory"
	"github.com/znz-systems/mailslot/internal/store/postgres"
	"github.com/znz-systems/mailslot/migrations"
	"go.uber.org/zap"
)

var errNoDatabase = errors.New("DATABASE_URL is not set")

// stores bundles the persistence backends behind the store interfaces.
type stores struct {
	deliveries store.DeliveryLogStore
	accounts   store.AccountStore
	outbox     store.OutboxStore
	tx         store.Transactor
	ping       func(ctx context.Context) error
	close      func() error
}

func openPostgres(cfg *config.Config, logger *zap.Logger, migrate bool) (*stores, error) {
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}
	db, err := postgres.NewDB(cfg.DatabaseURL, postgres.PoolOptions{}, logger)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return postgresStores(db), nil
}

func postgresStores(db *sql.DB) *stores {
	return &stores{
		deliveries: postgres.NewDeliveryLogStore(db),
		accounts:   postgres.NewAccountStore(db),
		outbox:     postgres.NewOutboxStore(db),
		tx:         postgres.NewTransactor(db),
		ping:       db.PingContext,
		close:      db.Close,
	}
}

func memoryStores() *stores {
	st := memory.New()
	return &stores{
		deliveries: st,
		accounts:   st,
		outbox:     st,
		tx:         st,
		ping:       st.Ping,
		close:      func() error { return nil },
	}
}

// openStores uses Postgres when DATABASE_URL is set and an in-process store
// otherwise.
func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return memoryStores(), nil
	}
	return openPostgres(cfg, logger, true)
}
