package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DialectMySQL targets MySQL and MariaDB through github.com/go-sql-driver/mysql.
var DialectMySQL = Dialect{
	Name: "mysql",
	createTable: "CREATE TABLE IF NOT EXISTS `%[1]s` (\n" +
		"	`id` CHAR(40) NOT NULL PRIMARY KEY,\n" +
		"	`last` TIMESTAMP(6) NULL DEFAULT NULL,\n" +
		"	`data` MEDIUMBLOB NULL,\n" +
		"	KEY `last` (`last`)\n" +
		") ENGINE=InnoDB",
	upsert: "INSERT INTO `%[1]s` (`id`, `last`, `data`) VALUES (?, CURRENT_TIMESTAMP(6), ?)\n" +
		"ON DUPLICATE KEY UPDATE\n" +
		"	`last` = GREATEST(COALESCE(`last`, VALUES(`last`)), VALUES(`last`)),\n" +
		"	`data` = VALUES(`data`)",
	fetch:  "SELECT `data` FROM `%[1]s` WHERE `id` = ? LIMIT 1",
	remove: "DELETE FROM `%[1]s` WHERE `id` = ? LIMIT 1",
	touch: "UPDATE `%[1]s` SET `last` = GREATEST(COALESCE(`last`, CURRENT_TIMESTAMP(6)), CURRENT_TIMESTAMP(6))" +
		" WHERE `id` = ? LIMIT 1",
	sweep:  "DELETE FROM `%[1]s` WHERE `last` < TIMESTAMPADD(MICROSECOND, -?, CURRENT_TIMESTAMP(6))",
	exists: "SELECT EXISTS (SELECT 1 FROM `%[1]s` WHERE `id` = ?)",
	sweepArg: func(d time.Duration) any {
		return d.Microseconds()
	},
	isSchemaRace: isMySQLSchemaRace,
}

const (
	mysqlErrTableExists  = 1050
	mysqlErrDuplicateKey = 1061
)

func isMySQLSchemaRace(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == mysqlErrTableExists || myErr.Number == mysqlErrDuplicateKey
}

// MySQLConfig holds configuration for the MySQL store.
type MySQLConfig struct {
	DSN             string
	Table           string
	MaxPayloadBytes int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewMySQLStore creates a MySQL store with default pool settings.
// The store owns the connection pool.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	return NewMySQLStoreWithConfig(MySQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewMySQLStoreWithConfig creates a MySQL store with custom configuration.
func NewMySQLStoreWithConfig(cfg MySQLConfig) (*SQLStore, error) {
	dsn, err := normalizeMySQLDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	configurePool(db, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	store, err := newSQLStore(db, StoreConfig{
		Dialect:         DialectMySQL,
		Table:           cfg.Table,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// normalizeMySQLDSN forces the driver options the store relies on: TIMESTAMP
// columns decoded as time.Time and UTC on the connection.
func normalizeMySQLDSN(dsn string) (string, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	mcfg.ParseTime = true
	mcfg.Loc = time.UTC
	return mcfg.FormatDSN(), nil
}
