package sqlsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultTable = "sessions"

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the configured MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("session payload too large")

	// ErrInvalidTableName is returned when the configured table name is not a plain SQL identifier.
	ErrInvalidTableName = errors.New("invalid session table name")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Store is the durable record store behind a Handler. It exclusively owns the
// session table. Unknown ids are never errors: Fetch reports them through its
// boolean result, Delete and Touch ignore them.
type Store interface {
	// EnsureSchema creates the table and its index if they do not exist.
	// It is safe to call concurrently from several processes.
	EnsureSchema(ctx context.Context) error
	// Fetch returns the payload stored for id.
	Fetch(ctx context.Context, id string) (payload []byte, found bool, err error)
	// Upsert inserts the record or replaces its payload, refreshing its
	// timestamp, in one atomic statement.
	Upsert(ctx context.Context, id string, payload []byte) error
	// Delete removes the record for id.
	Delete(ctx context.Context, id string) error
	// Touch refreshes the timestamp of id without changing its payload.
	Touch(ctx context.Context, id string) error
	// SweepExpired removes every record last touched more than maxLifetime
	// ago. A record exactly maxLifetime old survives.
	SweepExpired(ctx context.Context, maxLifetime time.Duration) error
	// Exists reports whether a record for id is stored, expired or not.
	Exists(ctx context.Context, id string) (bool, error)
	// Close releases the resources held by the store.
	Close() error
}

// StoreConfig holds the options shared by every SQLStore constructor.
type StoreConfig struct {
	// Dialect selects the SQL flavour. Defaults to DialectPostgreSQL.
	Dialect Dialect
	// Table is the session table name. Defaults to "sessions".
	Table string
	// MaxPayloadBytes limits the size of a stored payload. 0 means unlimited.
	MaxPayloadBytes int
	// Tracer receives a span per database operation. Defaults to the global
	// OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// SQLStore implements Store on a single table of a database/sql database.
type SQLStore struct {
	db              *sql.DB
	dialect         Dialect
	table           string
	q               queries
	owned           bool
	maxPayloadBytes int
	tracer          trace.Tracer

	// writeMu serializes writes for engines with a single writer (SQLite).
	writeMu *sync.Mutex

	mu     sync.Mutex
	stmts  *statements
	closed bool
}

type statements struct {
	upsert *sql.Stmt
	fetch  *sql.Stmt
	remove *sql.Stmt
	touch  *sql.Stmt
	sweep  *sql.Stmt
	exists *sql.Stmt
}

func (st *statements) close() {
	for _, s := range []*sql.Stmt{st.upsert, st.fetch, st.remove, st.touch, st.sweep, st.exists} {
		if s != nil {
			s.Close()
		}
	}
}

// NewStore creates a store on a connection pool managed by the caller.
// Closing the store never closes db.
func NewStore(db *sql.DB, cfg StoreConfig) (*SQLStore, error) {
	return newSQLStore(db, cfg, false)
}

func newSQLStore(db *sql.DB, cfg StoreConfig, owned bool) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sqlsession: nil database")
	}
	if !cfg.Dialect.valid() {
		cfg.Dialect = DialectPostgreSQL
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if !validTableName(cfg.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, cfg.Table)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}

	s := &SQLStore{
		db:              db,
		dialect:         cfg.Dialect,
		table:           cfg.Table,
		q:               cfg.Dialect.render(cfg.Table),
		owned:           owned,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		tracer:          cfg.Tracer,
	}
	if cfg.Dialect.singleWriter {
		s.writeMu = &sync.Mutex{}
	}
	return s, nil
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Table returns the name of the session table.
func (s *SQLStore) Table() string { return s.table }

func (s *SQLStore) EnsureSchema(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "ensure_schema")
	defer func() { endSpan(span, err) }()

	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	if err := s.execSchema(ctx, s.q.createTable); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	if s.q.createIndex != "" {
		if err := s.execSchema(ctx, s.q.createIndex); err != nil {
			return fmt.Errorf("failed to create sessions index: %w", err)
		}
	}

	_, err = s.prepared(ctx)
	return err
}

func (s *SQLStore) execSchema(ctx context.Context, query string) error {
	_, err := s.db.ExecContext(ctx, query)
	if err != nil && s.dialect.isSchemaRace != nil && s.dialect.isSchemaRace(err) {
		return nil
	}
	return err
}

// prepared returns the prepared statements, preparing them on first use.
func (s *SQLStore) prepared(ctx context.Context) (*statements, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.stmts != nil {
		return s.stmts, nil
	}

	st := &statements{}
	targets := []struct {
		dst   **sql.Stmt
		query string
		name  string
	}{
		{&st.upsert, s.q.upsert, "upsert"},
		{&st.fetch, s.q.fetch, "fetch"},
		{&st.remove, s.q.remove, "delete"},
		{&st.touch, s.q.touch, "touch"},
		{&st.sweep, s.q.sweep, "sweep"},
		{&st.exists, s.q.exists, "exists"},
	}
	for _, t := range targets {
		stmt, err := s.db.PrepareContext(ctx, t.query)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("failed to prepare %s statement: %w", t.name, err)
		}
		*t.dst = stmt
	}

	s.stmts = st
	return st, nil
}

func (s *SQLStore) Fetch(ctx context.Context, id string) (payload []byte, found bool, err error) {
	ctx, span := s.startSpan(ctx, "fetch")
	defer func() { endSpan(span, err) }()

	st, err := s.prepared(ctx)
	if err != nil {
		return nil, false, err
	}

	var data []byte
	err = st.fetch.QueryRowContext(ctx, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query session: %w", err)
	}

	if s.maxPayloadBytes > 0 && len(data) > s.maxPayloadBytes {
		return nil, false, ErrPayloadTooLarge
	}
	return data, true, nil
}

func (s *SQLStore) Upsert(ctx context.Context, id string, payload []byte) (err error) {
	ctx, span := s.startSpan(ctx, "upsert")
	defer func() { endSpan(span, err) }()

	if s.maxPayloadBytes > 0 && len(payload) > s.maxPayloadBytes {
		return ErrPayloadTooLarge
	}

	st, err := s.prepared(ctx)
	if err != nil {
		return err
	}

	// database/sql sends a nil slice as NULL; an empty payload is stored as
	// an empty value so it reads back unchanged.
	if payload == nil {
		payload = []byte{}
	}

	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if _, err := st.upsert.ExecContext(ctx, id, payload); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "delete")
	defer func() { endSpan(span, err) }()

	st, err := s.prepared(ctx)
	if err != nil {
		return err
	}

	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if _, err := st.remove.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "touch")
	defer func() { endSpan(span, err) }()

	st, err := s.prepared(ctx)
	if err != nil {
		return err
	}

	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if _, err := st.touch.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *SQLStore) SweepExpired(ctx context.Context, maxLifetime time.Duration) (err error) {
	ctx, span := s.startSpan(ctx, "sweep")
	defer func() { endSpan(span, err) }()

	if maxLifetime < 0 {
		return fmt.Errorf("negative session max lifetime %s", maxLifetime)
	}

	st, err := s.prepared(ctx)
	if err != nil {
		return err
	}

	if s.writeMu != nil {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	if _, err := st.sweep.ExecContext(ctx, s.dialect.sweepArg(maxLifetime)); err != nil {
		return fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, id string) (exists bool, err error) {
	ctx, span := s.startSpan(ctx, "exists")
	defer func() { endSpan(span, err) }()

	st, err := s.prepared(ctx)
	if err != nil {
		return false, err
	}

	if err := st.exists.QueryRowContext(ctx, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return exists, nil
}

// Close closes the prepared statements, and the connection pool when the
// store opened it itself.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.stmts != nil {
		s.stmts.close()
		s.stmts = nil
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}
