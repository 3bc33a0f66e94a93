package sqlsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteNow renders the server clock with millisecond precision. The fixed
// width text form sorts chronologically, which the index and the sweep rely on.
// Percent signs are doubled because templates go through fmt.Sprintf.
const sqliteNow = `strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')`

// DialectSQLite targets SQLite through the CGO-free modernc.org/sqlite driver.
var DialectSQLite = Dialect{
	Name: "sqlite",
	createTable: `
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT NOT NULL PRIMARY KEY,
		last TEXT NULL,
		data BLOB NULL
	)`,
	createIndex: `CREATE INDEX IF NOT EXISTS %[1]s_last_idx ON %[1]s (last)`,
	upsert: `
		INSERT INTO %[1]s (id, last, data)
		VALUES (?, ` + sqliteNow + `, ?)
		ON CONFLICT(id) DO UPDATE SET
			last = MAX(COALESCE(%[1]s.last, excluded.last), excluded.last),
			data = excluded.data
	`,
	fetch:  `SELECT data FROM %[1]s WHERE id = ?`,
	remove: `DELETE FROM %[1]s WHERE id = ?`,
	touch:  `UPDATE %[1]s SET last = MAX(COALESCE(last, ` + sqliteNow + `), ` + sqliteNow + `) WHERE id = ?`,
	sweep:  `DELETE FROM %[1]s WHERE last < strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now', ?)`,
	exists: `SELECT EXISTS (SELECT 1 FROM %[1]s WHERE id = ?)`,
	sweepArg: func(d time.Duration) any {
		return fmt.Sprintf("-%.3f seconds", d.Seconds())
	},
	singleWriter: true,
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN             string
	Table           string
	MaxPayloadBytes int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a SQLite store on the database file at dsn.
// The store owns the connection pool.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLStore, error) {
	memory := isSQLiteMemoryDSN(cfg.DSN)

	// Inject PRAGMAs into the DSN so they apply to every connection in the pool.
	if !strings.Contains(cfg.DSN, "synchronous") {
		cfg.DSN = appendSQLitePragma(cfg.DSN, "synchronous=NORMAL")
	}
	if !strings.Contains(cfg.DSN, "busy_timeout") {
		cfg.DSN = appendSQLitePragma(cfg.DSN, "busy_timeout=5000")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, 0)

	if !memory {
		// WAL is persistent for the database file, executing it once is sufficient.
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	store, err := newSQLStore(db, StoreConfig{
		Dialect:         DialectSQLite,
		Table:           cfg.Table,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func appendSQLitePragma(dsn, pragma string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s", dsn, separator, pragma)
}

func isSQLiteMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}
