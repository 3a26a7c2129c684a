package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	// PostgreSQL driver - registers "postgres".
	_ "github.com/lib/pq"
	// SQLite driver - registers "sqlite". Pure Go, no CGO required.
	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when an update or delete targets a missing device.
var ErrDeviceNotFound = errors.New("device not found")

// ErrMetadataMissing is returned when the singleton status row does not exist.
var ErrMetadataMissing = errors.New("metadata row missing")

// ErrCredentialExists is returned when the credential row is already present.
var ErrCredentialExists = errors.New("credential already exists")

// dialect selects SQL differences between engines.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries in this package never contain a literal '?'.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every row-level operation. A Store embeds one bound to the
// database; WithTx hands out one bound to a transaction.
type Queries struct {
	q       querier
	dialect dialect
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

// Store is the relational store for credentials, tokens, status and devices.
type Store struct {
	*Queries
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the database named by url and applies migrations.
//
// Supported URLs:
//   - sqlite:///relative/path.db, sqlite:////absolute/path.db
//   - sqlite:///:memory: or sqlite:// for an in-memory database
//   - postgres://... or postgresql://...
//
// PostgreSQL connections are retried with exponential backoff until ctx is
// done, since the database may still be starting alongside the server.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage")

	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			path = ":memory:"
		}
		return openSQLite(ctx, path, logger)

	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		logger.Info("opening postgres database")
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = time.Minute
		ping := func() error {
			err := db.PingContext(ctx)
			if err != nil {
				logger.Warn("database not reachable, retrying", zap.Error(err))
			}
			return err
		}
		if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return newStore(ctx, db, dialectPostgres, logger)

	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database (useful for testing).
func NewSQLiteStore(path string) (*Store, error) {
	return openSQLite(context.Background(), path, zap.NewNop().Named("storage"))
}

func openSQLite(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	logger.Info("opening database", zap.String("path", path))

	// Foreign keys on, and a 5 second busy_timeout so the CLI and a running
	// server can share the file.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and every pooled
	// connection to ":memory:" would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newStore(ctx, db, dialectSQLite, logger)
}

func newStore(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger) (*Store, error) {
	store := &Store{
		Queries: &Queries{q: db, dialect: d},
		db:      db,
		dialect: d,
		logger:  logger,
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("database ready", zap.Int("schema_version", currentSchemaVersion))
	return store, nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. fn must only use the Queries it is
// given: on SQLite the store has a single connection, held by the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Queries{q: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing database")
	return s.db.Close()
}

// UnixSeconds converts a time to the float seconds stored in timestamp columns.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds converts a stored timestamp back to a time.
func FromUnixSeconds(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9))
}
