// Package anipgxv5 provides a migration engine driver implementation for Pgx
// v5. This is the recommended driver for Postgres.
package anipgxv5

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anitrack/anitrackmigrate/anidriver"
)

// ConnectParams are the connection parameters for a Postgres server. The
// migration engine treats this as an opaque parameter bag; it's typically
// produced from configuration.
type ConnectParams struct {
	// Host is the server host name or address.
	Host string

	// Port is the server port. Defaults to 5432 when zero.
	Port int

	// User and Password are the connection credentials.
	User     string
	Password string

	// AdminDatabase is the administrative database to connect to for
	// operations like creating the target database. Defaults to "postgres".
	AdminDatabase string

	// SSLMode is the libpq-style sslmode setting. Left to the driver's
	// default when empty.
	SSLMode string
}

// Driver is an implementation of anidriver.Driver for Pgx v5.
type Driver struct {
	params *ConnectParams
}

// New returns a new Pgx v5 driver for use with the migration engine.
func New(params *ConnectParams) *Driver {
	if params == nil {
		params = &ConnectParams{}
	}
	return &Driver{params: params}
}

func (d *Driver) Name() string { return "pgxv5" }

func (d *Driver) OpenAdmin(ctx context.Context) (anidriver.AdminSession, error) {
	adminDatabase := d.params.AdminDatabase
	if adminDatabase == "" {
		adminDatabase = "postgres"
	}

	conn, err := pgx.Connect(ctx, d.dsn(adminDatabase))
	if err != nil {
		return nil, anidriver.NewConnectError(adminDatabase, err)
	}

	return &AdminSession{conn: conn}, nil
}

func (d *Driver) Open(ctx context.Context, databaseName string, autocommit bool) (anidriver.Session, error) {
	conn, err := pgx.Connect(ctx, d.dsn(databaseName))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidCatalogName {
			return nil, fmt.Errorf("database %q: %w", databaseName, anidriver.ErrDatabaseNotFound)
		}
		return nil, anidriver.NewConnectError(databaseName, err)
	}

	return &Session{autocommit: autocommit, conn: conn}, nil
}

// dsn renders connection parameters as a keyword/value DSN with the given
// database name. Values are escaped per the libpq quoting rules so that
// passwords containing spaces or quotes round trip correctly.
func (d *Driver) dsn(databaseName string) string {
	params := d.params

	var pairs []string
	appendPair := func(key, value string) {
		if value == "" {
			return
		}
		if strings.ContainsAny(value, " '\\") {
			value = "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value) + "'"
		}
		pairs = append(pairs, key+"="+value)
	}

	appendPair("host", params.Host)
	if params.Port != 0 {
		appendPair("port", strconv.Itoa(params.Port))
	}
	appendPair("user", params.User)
	appendPair("password", params.Password)
	appendPair("dbname", databaseName)
	appendPair("sslmode", params.SSLMode)

	return strings.Join(pairs, " ")
}

// AdminSession is a connection to a server's administrative database through
// which target databases are checked and created.
type AdminSession struct {
	conn *pgx.Conn
}

func (s *AdminSession) DatabaseExists(ctx context.Context, databaseName string) (bool, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", databaseName).Scan(&exists); err != nil {
		return false, fmt.Errorf("error checking existence of database %q: %w", databaseName, err)
	}
	return exists, nil
}

func (s *AdminSession) CreateDatabase(ctx context.Context, databaseName string) error {
	// CREATE DATABASE can't take a bind parameter, so the name is quoted with
	// Pgx's identifier primitive instead of interpolated raw.
	if _, err := s.conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{databaseName}.Sanitize()); err != nil {
		return fmt.Errorf("error creating database %q: %w", databaseName, err)
	}
	return nil
}

func (s *AdminSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Session is a live connection to a target database. With autocommit off, an
// implicit transaction is begun at the first statement and held until Commit
// or Rollback.
type Session struct {
	autocommit bool
	conn       *pgx.Conn
	tx         pgx.Tx // implicit transaction; nil until first statement with autocommit off
}

// executor returns the scope statements should run against, beginning the
// session's implicit transaction if necessary.
func (s *Session) executor(ctx context.Context) (executor, error) {
	if s.autocommit {
		return s.conn, nil
	}
	if s.tx == nil {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("error beginning implicit transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, sql, args...)
	return err
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) anidriver.Row {
	exec, err := s.executor(ctx)
	if err != nil {
		return &errRow{err: err}
	}
	return &row{row: exec.QueryRow(ctx, sql, args...)}
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (anidriver.Rows, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	pgxRows, err := exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &rows{rows: pgxRows}, nil
}

func (s *Session) TableExists(ctx context.Context, tableName string) (bool, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return false, err
	}
	return tableExists(ctx, exec, tableName)
}

func (s *Session) LockTable(ctx context.Context, tableName string) error {
	// LOCK TABLE is only meaningful inside a transaction, which the implicit
	// transaction of a non-autocommit session provides.
	return s.Exec(ctx, "LOCK TABLE "+pgx.Identifier{tableName}.Sanitize()+" IN ACCESS EXCLUSIVE MODE")
}

func (s *Session) Begin(ctx context.Context) (anidriver.SessionTx, error) {
	if s.autocommit {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return &SessionTx{tx: tx}, nil
	}

	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	// Beginning on an open Pgx transaction yields a savepoint scope.
	tx, err := exec.(pgx.Tx).Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &SessionTx{tx: tx}, nil
}

func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	return err
}

func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	return err
}

func (s *Session) Close(ctx context.Context) error {
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
	}
	return s.conn.Close(ctx)
}

// SessionTx is a transaction scope. Nested scopes opened with Begin map onto
// Pgx's native savepoint handling.
type SessionTx struct {
	tx pgx.Tx
}

func (t *SessionTx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *SessionTx) QueryRow(ctx context.Context, sql string, args ...any) anidriver.Row {
	return &row{row: t.tx.QueryRow(ctx, sql, args...)}
}

func (t *SessionTx) Query(ctx context.Context, sql string, args ...any) (anidriver.Rows, error) {
	pgxRows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &rows{rows: pgxRows}, nil
}

func (t *SessionTx) TableExists(ctx context.Context, tableName string) (bool, error) {
	return tableExists(ctx, t.tx, tableName)
}

func (t *SessionTx) LockTable(ctx context.Context, tableName string) error {
	return t.Exec(ctx, "LOCK TABLE "+pgx.Identifier{tableName}.Sanitize()+" IN ACCESS EXCLUSIVE MODE")
}

func (t *SessionTx) Begin(ctx context.Context) (anidriver.SessionTx, error) {
	tx, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &SessionTx{tx: tx}, nil
}

func (t *SessionTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *SessionTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// executor is the subset of pgx.Conn and pgx.Tx needed to run statements.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tableExists(ctx context.Context, exec executor, tableName string) (bool, error) {
	var exists bool
	err := exec.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)",
		tableName,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking existence of table %q: %w", tableName, err)
	}
	return exists, nil
}

type row struct {
	row pgx.Row
}

func (r *row) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return anidriver.ErrNoRows
		}
		return err
	}
	return nil
}

// errRow carries an error produced before a query could be issued, surfacing
// it at Scan time like pgx does.
type errRow struct {
	err error
}

func (r *errRow) Scan(dest ...any) error { return r.err }

type rows struct {
	rows pgx.Rows
}

func (r *rows) Next() bool            { return r.rows.Next() }
func (r *rows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *rows) Err() error            { return r.rows.Err() }
func (r *rows) Close() error          { r.rows.Close(); return nil }
