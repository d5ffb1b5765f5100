// Package anidriver exposes generic constructs to be implemented by specific
// drivers that wrap third party database packages, with the aim being to keep
// the migration engine decoupled from any one database package so that other
// databases can be supported without touching the core.
//
// Two drivers ship with the engine: anipgxv5 wraps Pgx v5 for Postgres and is
// the production driver, while anisqlite wraps `database/sql` with a SQLite
// driver for lightweight or embedded use. The interfaces here wrap them with
// only the thinnest possible layer.
package anidriver

import (
	"context"
	"errors"
)

// ErrDatabaseNotFound is returned by Driver.Open when the target database does
// not exist on the server. It's distinct from ConnectError so that callers can
// recover by creating the database before retrying.
var ErrDatabaseNotFound = errors.New("database not found")

// ErrNoRows is returned by Row.Scan when a query produced no rows. Drivers
// normalize their underlying package's equivalent (pgx.ErrNoRows,
// sql.ErrNoRows) to this value.
var ErrNoRows = errors.New("no rows in result set")

// ConnectError wraps any connectivity or authentication failure that isn't a
// missing database. No session is established when one occurs, so there's
// never partial state to roll back.
type ConnectError struct {
	// Database is the name of the database that was being connected to.
	Database string

	err error
}

func (e *ConnectError) Error() string {
	return "error connecting to database " + e.Database + ": " + e.err.Error()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError wraps err as a ConnectError for the named database. It's
// exported for use by driver implementations and shouldn't be needed by
// callers.
func NewConnectError(database string, err error) *ConnectError {
	return &ConnectError{Database: database, err: err}
}

// Driver provides a database driver for use with the migration engine.
type Driver interface {
	// Name returns a short name for the driver, like "pgxv5" or "sqlite".
	Name() string

	// OpenAdmin opens an administrative session against the server's default
	// database (or equivalent) from which target databases can be checked for
	// existence and created. Returns a ConnectError on failure.
	OpenAdmin(ctx context.Context) (AdminSession, error)

	// Open opens a session against the named database. Returns
	// ErrDatabaseNotFound if the database doesn't exist, or a ConnectError for
	// any other failure.
	//
	// With autocommit on, statements take effect as they're executed. With
	// autocommit off, statements are accumulated in an implicit transaction
	// begun at the first statement, which must be finalized with the session's
	// Commit or Rollback. Close always succeeds either way, implicitly rolling
	// back anything left uncommitted.
	Open(ctx context.Context, databaseName string, autocommit bool) (Session, error)
}

// AdminSession is a connection to a server's administrative database used to
// manage the existence of target databases.
type AdminSession interface {
	// DatabaseExists checks whether the named database exists on the server.
	DatabaseExists(ctx context.Context, databaseName string) (bool, error)

	// CreateDatabase creates the named database. The name is quoted with the
	// underlying package's identifier primitive, never interpolated raw.
	CreateDatabase(ctx context.Context, databaseName string) error

	// Close closes the session.
	Close(ctx context.Context) error
}

// Executor is an abstraction of a database session or transaction scope on
// which queries can be run.
type Executor interface {
	// Exec executes a statement (or statement batch when args is empty)
	// against the scope.
	Exec(ctx context.Context, sql string, args ...any) error

	// QueryRow executes a query expected to return at most one row. Scanning
	// the returned Row yields ErrNoRows if the query produced nothing.
	QueryRow(ctx context.Context, sql string, args ...any) Row

	// Query executes a query that may return many rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// TableExists checks whether a table with the given name exists in the
	// session's current schema.
	TableExists(ctx context.Context, tableName string) (bool, error)

	// LockTable takes an exclusive lock on the named table, blocking until the
	// current holder releases it. The lock is held until the enclosing
	// transaction commits or rolls back. Drivers whose underlying engine
	// serializes writers on its own may implement this as a no-op.
	LockTable(ctx context.Context, tableName string) error
}

// Session is a live connection to a target database. It's owned exclusively
// by a single migration call and is destroyed on every exit path.
type Session interface {
	Executor

	// Begin begins a transaction scope. On an autocommit session this is a
	// top-level transaction; on a non-autocommit session it's a savepoint
	// within the session's implicit transaction, so that an inner scope can
	// roll back without poisoning the outer one.
	Begin(ctx context.Context) (SessionTx, error)

	// Commit finalizes the implicit transaction of a non-autocommit session.
	// It's a no-op when no statement has been executed yet or when the session
	// has autocommit on.
	Commit(ctx context.Context) error

	// Rollback discards the implicit transaction of a non-autocommit session.
	// No-op under the same conditions as Commit.
	Rollback(ctx context.Context) error

	// Close closes the session, implicitly rolling back any transaction that
	// wasn't finalized.
	Close(ctx context.Context) error
}

// SessionTx is a transaction scope opened with Session.Begin or nested with
// its own Begin. Nested scopes are implemented with savepoints.
type SessionTx interface {
	Executor

	Begin(ctx context.Context) (SessionTx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Row is a single row result. Scan returns ErrNoRows when the query produced
// no rows.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multiple row result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}
