// Package anisqlite provides a migration engine driver implementation for
// SQLite through database/sql, using the pure-Go modernc.org/sqlite driver.
//
// SQLite has no server, so a "database" here is a file under the driver's
// base directory: the administrative session manages files, a missing file is
// reported as anidriver.ErrDatabaseNotFound, and table locking is a no-op
// because the engine serializes writers on its own. The driver is well suited
// to tests and single-user installations.
//
// Statements are written for Postgres first, so `$N` placeholders are
// rewritten to SQLite's `?N` form before execution.
package anisqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite"

	"github.com/anitrack/anitrackmigrate/anidriver"
)

// Driver is an implementation of anidriver.Driver for SQLite.
type Driver struct {
	baseDir string
}

// New returns a new SQLite driver whose databases are files under baseDir.
func New(baseDir string) *Driver {
	return &Driver{baseDir: baseDir}
}

func (d *Driver) Name() string { return "sqlite" }

// databasePath resolves a database name to a file path under the base
// directory. Names without an extension get a ".sqlite3" suffix.
func (d *Driver) databasePath(databaseName string) string {
	if filepath.Ext(databaseName) == "" {
		databaseName += ".sqlite3"
	}
	return filepath.Join(d.baseDir, databaseName)
}

func (d *Driver) OpenAdmin(ctx context.Context) (anidriver.AdminSession, error) {
	return &AdminSession{driver: d}, nil
}

func (d *Driver) Open(ctx context.Context, databaseName string, autocommit bool) (anidriver.Session, error) {
	path := d.databasePath(databaseName)

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("database %q: %w", databaseName, anidriver.ErrDatabaseNotFound)
		}
		return nil, anidriver.NewConnectError(databaseName, err)
	}

	dbPool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, anidriver.NewConnectError(databaseName, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// spurious SQLITE_BUSY errors between the session's statements.
	dbPool.SetMaxOpenConns(1)

	if err := dbPool.PingContext(ctx); err != nil {
		_ = dbPool.Close()
		return nil, anidriver.NewConnectError(databaseName, err)
	}

	return &Session{autocommit: autocommit, dbPool: dbPool}, nil
}

// AdminSession manages database files under the driver's base directory.
type AdminSession struct {
	driver *Driver
}

func (s *AdminSession) DatabaseExists(ctx context.Context, databaseName string) (bool, error) {
	_, err := os.Stat(s.driver.databasePath(databaseName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("error checking existence of database %q: %w", databaseName, err)
	}
	return true, nil
}

func (s *AdminSession) CreateDatabase(ctx context.Context, databaseName string) error {
	path := s.driver.databasePath(databaseName)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating database directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating database %q: %w", databaseName, err)
	}
	return file.Close()
}

func (s *AdminSession) Close(ctx context.Context) error { return nil }

// Session is a live connection to a SQLite database file. With autocommit
// off, an implicit transaction is begun at the first statement and held until
// Commit or Rollback.
type Session struct {
	autocommit bool
	dbPool     *sql.DB
	tx         *sql.Tx // implicit transaction; nil until first statement with autocommit off
}

// executor is the subset of sql.DB and sql.Tx needed to run statements.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Session) executor(ctx context.Context) (executor, error) {
	if s.autocommit {
		return s.dbPool, nil
	}
	if s.tx == nil {
		tx, err := s.dbPool.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("error beginning implicit transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *Session) Exec(ctx context.Context, sqlText string, args ...any) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}
	return execStatement(ctx, exec, sqlText, args)
}

func (s *Session) QueryRow(ctx context.Context, sqlText string, args ...any) anidriver.Row {
	exec, err := s.executor(ctx)
	if err != nil {
		return &errRow{err: err}
	}
	return queryRow(ctx, exec, sqlText, args)
}

func (s *Session) Query(ctx context.Context, sqlText string, args ...any) (anidriver.Rows, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	return query(ctx, exec, sqlText, args)
}

func (s *Session) TableExists(ctx context.Context, tableName string) (bool, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return false, err
	}
	return tableExists(ctx, exec, tableName)
}

// LockTable is a no-op: SQLite allows only a single writer per database and
// the implicit transaction already serializes concurrent migrators.
func (s *Session) LockTable(ctx context.Context, tableName string) error { return nil }

func (s *Session) Begin(ctx context.Context) (anidriver.SessionTx, error) {
	if s.autocommit {
		tx, err := s.dbPool.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &SessionTx{tx: tx}, nil
	}

	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	// A scope begun inside the implicit transaction is a savepoint scope.
	return (&SessionTx{tx: exec.(*sql.Tx)}).Begin(ctx)
}

func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

func (s *Session) Close(ctx context.Context) error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.dbPool.Close()
}

const savepointPrefix = "anitrack_savepoint_"

// SessionTx is a transaction scope. A savepointNum of zero means a top-level
// transaction finalized with COMMIT/ROLLBACK; scopes begun within one are
// savepoints finalized with RELEASE/ROLLBACK TO.
type SessionTx struct {
	done         bool
	savepointNum int
	tx           *sql.Tx
}

func (t *SessionTx) Exec(ctx context.Context, sqlText string, args ...any) error {
	return execStatement(ctx, t.tx, sqlText, args)
}

func (t *SessionTx) QueryRow(ctx context.Context, sqlText string, args ...any) anidriver.Row {
	return queryRow(ctx, t.tx, sqlText, args)
}

func (t *SessionTx) Query(ctx context.Context, sqlText string, args ...any) (anidriver.Rows, error) {
	return query(ctx, t.tx, sqlText, args)
}

func (t *SessionTx) TableExists(ctx context.Context, tableName string) (bool, error) {
	return tableExists(ctx, t.tx, tableName)
}

func (t *SessionTx) LockTable(ctx context.Context, tableName string) error { return nil }

func (t *SessionTx) Begin(ctx context.Context) (anidriver.SessionTx, error) {
	nextSavepointNum := t.savepointNum + 1
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s%02d", savepointPrefix, nextSavepointNum)); err != nil {
		return nil, err
	}
	return &SessionTx{savepointNum: nextSavepointNum, tx: t.tx}, nil
}

func (t *SessionTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction scope already finalized")
	}
	t.done = true

	if t.savepointNum == 0 {
		return t.tx.Commit()
	}
	// Release destroys a savepoint, keeping all the effects of commands that
	// were run within it (so it's effectively COMMIT for savepoints).
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf("RELEASE %s%02d", savepointPrefix, t.savepointNum))
	return err
}

func (t *SessionTx) Rollback(ctx context.Context) error {
	if t.done {
		return errors.New("transaction scope already finalized")
	}
	t.done = true

	if t.savepointNum == 0 {
		return t.tx.Rollback()
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO %s%02d", savepointPrefix, t.savepointNum))
	return err
}

// placeholderPattern matches Postgres-style `$N` bind placeholders.
var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rewritePlaceholders converts `$N` placeholders to SQLite's `?N` form. It's
// only applied to parameterized statements; raw artifact batches pass through
// untouched so that `$` appearing in schema text can't be mangled.
func rewritePlaceholders(sqlText string, args []any) string {
	if len(args) == 0 {
		return sqlText
	}
	return placeholderPattern.ReplaceAllString(sqlText, "?$1")
}

func execStatement(ctx context.Context, exec executor, sqlText string, args []any) error {
	_, err := exec.ExecContext(ctx, rewritePlaceholders(sqlText, args), args...)
	return err
}

func queryRow(ctx context.Context, exec executor, sqlText string, args []any) anidriver.Row {
	return &row{row: exec.QueryRowContext(ctx, rewritePlaceholders(sqlText, args), args...)}
}

func query(ctx context.Context, exec executor, sqlText string, args []any) (anidriver.Rows, error) {
	sqlRows, err := exec.QueryContext(ctx, rewritePlaceholders(sqlText, args), args...)
	if err != nil {
		return nil, err
	}
	return &rows{rows: sqlRows}, nil
}

func tableExists(ctx context.Context, exec executor, tableName string) (bool, error) {
	var count int
	err := exec.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?1", tableName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("error checking existence of table %q: %w", tableName, err)
	}
	return count > 0, nil
}

type row struct {
	row *sql.Row
}

func (r *row) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return anidriver.ErrNoRows
		}
		return err
	}
	return nil
}

type errRow struct {
	err error
}

func (r *errRow) Scan(dest ...any) error { return r.err }

type rows struct {
	rows *sql.Rows
}

func (r *rows) Next() bool             { return r.rows.Next() }
func (r *rows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *rows) Err() error             { return r.rows.Err() }
func (r *rows) Close() error           { return r.rows.Close() }
