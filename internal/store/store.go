// Package store selects and prepares the persistence backend named by
// configuration.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/config"
	"devosphere.org/internal/migrate"
	"devosphere.org/internal/store/mongodb"
	"devosphere.org/internal/store/pg"
)

const defaultTimeout = 5 * time.Second

// Open connects to the configured backend and verifies it is reachable.
// Postgres schemas are migrated and seeded when db.auto_migrate is set;
// Mongo indexes are always ensured.
func Open(ctx context.Context, cfg config.DB, log logrus.FieldLogger) (auth.Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, log)
	case config.DriverMongo:
		return openMongo(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: unknown db.driver %q", auth.ErrConfiguration, cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.DB, log logrus.FieldLogger) (auth.Store, error) {
	s, err := pg.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, pg.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	if cfg.AutoMigrate {
		m := s.Migrator(migrate.WithLogger(log))
		applied, err := m.Up(ctx)
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if err := m.Seed(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("seed: %w", err)
		}
		log.WithField("applied", applied).Info("postgres schema up to date")
	}
	return s, nil
}

func openMongo(ctx context.Context, cfg config.DB, log logrus.FieldLogger) (auth.Store, error) {
	s, err := mongodb.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database,
		mongodb.WithTransactions(cfg.Mongo.Transactions),
		mongodb.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	ictx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := s.EnsureIndexes(ictx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"database":     cfg.Mongo.Database,
		"transactions": cfg.Mongo.Transactions,
	}).Info("mongo indexes ensured")
	return s, nil
}
