package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"yardlink.org/internal/txn"
)

const pgErrUniqueViolation = "23505"

// Store is the PostgreSQL backing for access tokens and the employee directory.
type Store struct {
	db *sql.DB
}

var _ txn.Runner = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := txn.Handle(ctx).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.db
}

// WithinTx runs fn in a database transaction. Statements issued through the
// store with the callback's context join it. A nested call joins the outer
// transaction. After-commit hooks run only once the outermost commit succeeds.
// A panic in fn rolls the transaction back before it propagates.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := txn.Handle(ctx).(*sql.Tx); ok && tx != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	scope := txn.NewScope()
	txCtx := txn.WithScope(txn.WithHandle(ctx, tx), scope)
	defer func() {
		if rec := recover(); rec != nil {
			scope.Discard()
			_ = tx.Rollback()
			panic(rec)
		}
	}()

	if err := fn(txCtx); err != nil {
		scope.Discard()
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("pg: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		scope.Discard()
		return fmt.Errorf("pg: commit: %w", err)
	}
	scope.Committed()
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}
