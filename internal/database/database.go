package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"chatrelay/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Init opens the SQL database selected by cfg.StoreDriver, verifies the
// connection and creates the messages table if it does not exist.
func Init(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	driverName, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.StoreDriver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.StoreDriver, err)
	}

	if err := configure(ctx, db, cfg.StoreDriver); err != nil {
		db.Close()
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.StoreDriver, err)
	}

	if err := Migrate(ctx, db, cfg.StoreDriver); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// DSN returns the database/sql driver name and data source name for cfg.
func DSN(cfg config.Config) (string, string, error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.DBUser
		mc.Passwd = cfg.DBPassword
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
		mc.DBName = cfg.DBName
		mc.ParseTime = true
		return "mysql", mc.FormatDSN(), nil
	case config.DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
			Host:     net.JoinHostPort(cfg.DBHost, cfg.DBPort),
			Path:     "/" + cfg.DBName,
			RawQuery: url.Values{"sslmode": {cfg.DBSSLMode}}.Encode(),
		}
		return "postgres", u.String(), nil
	case config.DriverSQLite:
		return "sqlite", cfg.SQLitePath, nil
	default:
		return "", "", fmt.Errorf("store driver %q is not an SQL driver", cfg.StoreDriver)
	}
}

func configure(ctx context.Context, db *sql.DB, driver string) error {
	if driver != config.DriverSQLite {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return nil
	}

	// SQLite は単一ライターなので接続は1本に絞る
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate creates the messages table for the given driver.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	b, err := migrationsFS.ReadFile("migrations/" + driver + ".sql")
	if err != nil {
		return fmt.Errorf("no migration for driver %q: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", driver, err)
	}
	return nil
}
