package store

import (
	"context"
	"fmt"

	"chatrelay/internal/config"
	"chatrelay/internal/database"
)

// Open builds the Store selected by cfg.StoreDriver. Failing to reach a
// durable backend here is fatal for the caller.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return NewMemory(), nil
	case config.DriverBadger:
		return OpenBadger(cfg.BadgerPath)
	case config.DriverMySQL, config.DriverPostgres, config.DriverSQLite:
		db, err := database.Init(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s, err := NewSQL(ctx, db, cfg.StoreDriver)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
