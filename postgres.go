package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DialectPostgreSQL targets PostgreSQL through github.com/lib/pq.
var DialectPostgreSQL = Dialect{
	Name: "postgresql",
	createTable: `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id CHAR(40) PRIMARY KEY,
		last TIMESTAMP WITH TIME ZONE NULL,
		data BYTEA NULL
	)`,
	createIndex: `CREATE INDEX IF NOT EXISTS %[1]s_last_idx ON %[1]s (last)`,
	upsert: `
		INSERT INTO %[1]s (id, last, data)
		VALUES ($1, CURRENT_TIMESTAMP, $2)
		ON CONFLICT (id) DO UPDATE SET
			last = GREATEST(%[1]s.last, EXCLUDED.last),
			data = EXCLUDED.data
	`,
	fetch:  `SELECT data FROM %[1]s WHERE id = $1`,
	remove: `DELETE FROM %[1]s WHERE id = $1`,
	touch:  `UPDATE %[1]s SET last = GREATEST(last, CURRENT_TIMESTAMP) WHERE id = $1`,
	sweep:  `DELETE FROM %[1]s WHERE last < CURRENT_TIMESTAMP - (CAST($1 AS DOUBLE PRECISION) * INTERVAL '1 second')`,
	exists: `SELECT EXISTS (SELECT 1 FROM %[1]s WHERE id = $1)`,
	sweepArg: func(d time.Duration) any {
		return d.Seconds()
	},
	isSchemaRace: isPostgreSQLSchemaRace,
}

// Concurrent CREATE ... IF NOT EXISTS can still fail in PostgreSQL when two
// sessions race on the catalog: the loser sees duplicate_table,
// duplicate_object or a unique violation on pg_type.
func isPostgreSQLSchemaRace(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "42P07", "42710", "23505":
		return true
	}
	return false
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN             string
	Table           string
	MaxPayloadBytes int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewPostgreSQLStore creates a PostgreSQL store with default pool settings.
// The store owns the connection pool.
func NewPostgreSQLStore(dsn string) (*SQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*SQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}

	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}

	store, err := newSQLStore(db, StoreConfig{
		Dialect:         DialectPostgreSQL,
		Table:           cfg.Table,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func configurePool(db *sql.DB, maxOpen, maxIdle int, maxLifetime, maxIdleTime time.Duration) {
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	if maxIdleTime > 0 {
		db.SetConnMaxIdleTime(maxIdleTime)
	}
}
