// Package postgres provides a PostgreSQL implementation of history.Store.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/narvanalabs/buildmaster/internal/history"
)

//go:embed schema.sql
var schema string

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// Store implements history.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL history store")
	return s, nil
}

// Migrate creates the history tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying history schema: %w", err)
	}
	return nil
}

// Create implements history.Store.
func (s *Store) Create(ctx context.Context, rec history.Record) error {
	if err := rec.Path.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO history_elements (path, parent_path, segments, depth, kind, filename, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var parent sql.NullString
	if len(rec.Path) > 1 {
		parent = sql.NullString{String: rec.Path.Parent().String(), Valid: true}
	}
	created := rec.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.Path.String(),
		parent,
		pq.Array([]string(rec.Path)),
		len(rec.Path),
		string(rec.Kind),
		rec.Filename,
		created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", history.ErrKeyConflict, rec.Path)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: parent of %s", history.ErrNotFound, rec.Path)
		}
		return fmt.Errorf("inserting history element: %w", err)
	}
	return nil
}

// Get implements history.Store.
func (s *Store) Get(ctx context.Context, path history.Path) (history.Record, error) {
	query := `
		SELECT segments, kind, filename, created_at
		FROM history_elements
		WHERE path = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, path.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, path)
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("getting history element: %w", err)
	}
	return rec, nil
}

// Children implements history.Store.
func (s *Store) Children(ctx context.Context, parent history.Path) ([]history.Record, error) {
	if len(parent) == 0 {
		return s.list(ctx, s.db, `
			SELECT segments, kind, filename, created_at
			FROM history_elements
			WHERE depth = 1
			ORDER BY path`)
	}

	if _, err := s.Get(ctx, parent); err != nil {
		return nil, err
	}
	return s.list(ctx, s.db, `
		SELECT segments, kind, filename, created_at
		FROM history_elements
		WHERE parent_path = $1
		ORDER BY path`, parent.String())
}

// Delete implements history.Store. The subtree is selected and removed in
// one transaction; child rows go through the cascading foreign key.
func (s *Store) Delete(ctx context.Context, path history.Path) ([]history.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	recs, err := s.deleteTx(ctx, tx, path)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return recs, nil
}

func (s *Store) deleteTx(ctx context.Context, q queryable, path history.Path) ([]history.Record, error) {
	recs, err := s.list(ctx, q, `
		SELECT segments, kind, filename, created_at
		FROM history_elements
		WHERE depth >= $2 AND segments[1:$2] = $1
		ORDER BY depth DESC, path
		FOR UPDATE`, pq.Array([]string(path)), len(path))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, path)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM history_elements WHERE path = $1`, path.String()); err != nil {
		return nil, fmt.Errorf("deleting history subtree: %w", err)
	}
	return recs, nil
}

func (s *Store) list(ctx context.Context, q queryable, query string, args ...any) ([]history.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history elements: %w", err)
	}
	defer rows.Close()

	var recs []history.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history element: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history elements: %w", err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (history.Record, error) {
	var (
		segments []string
		kind     string
		rec      history.Record
	)
	if err := row.Scan(pq.Array(&segments), &kind, &rec.Filename, &rec.Created); err != nil {
		return history.Record{}, err
	}
	rec.Path = history.Path(segments)
	rec.Kind = history.Kind(kind)
	return rec, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing PostgreSQL history store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}

// isForeignKeyViolation checks if the error is a PostgreSQL foreign key violation.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23503 is foreign_key_violation
	return strings.Contains(err.Error(), "23503") ||
		strings.Contains(err.Error(), "foreign key constraint")
}
