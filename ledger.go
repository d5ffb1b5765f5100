package anitrackmigrate

import (
	"context"
	"errors"
	"time"

	"github.com/anitrack/anitrackmigrate/anidriver"
)

// LedgerTable is the name of the persisted table recording which schema
// version a database currently has applied.
const LedgerTable = "schema_version"

// The ledger table may be absent only in the pre-initialised state; creation
// artifacts are expected to create it, but the engine ensures it exists
// before locking so that upgrades of very old databases don't fail on the
// lock itself.
const ledgerCreateTableSQL = `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

func ensureLedger(ctx context.Context, exec anidriver.Executor) error {
	if err := exec.Exec(ctx, ledgerCreateTableSQL); err != nil {
		return &LedgerError{Op: "ensure", err: err}
	}
	return nil
}

// lockLedger takes an exclusive lock on the ledger table. The lock is the
// single serialization point between concurrent migration calls: whichever
// caller acquires it first completes its entire chain before the next
// lock-waiter proceeds.
func lockLedger(ctx context.Context, exec anidriver.Executor) error {
	if err := exec.LockTable(ctx, LedgerTable); err != nil {
		return &LedgerError{Op: "lock", err: err}
	}
	return nil
}

// ledgerCurrentVersion reads the highest recorded schema version. Returns
// found=false when the ledger is empty or doesn't exist yet; that's the
// pre-initialised state, not an error.
func ledgerCurrentVersion(ctx context.Context, exec anidriver.Executor) (version int, found bool, err error) {
	// Check table existence up front: on Postgres a failed query would abort
	// the enclosing transaction, so the missing-table case can't be handled
	// by just trying the select.
	exists, err := exec.TableExists(ctx, LedgerTable)
	if err != nil {
		return 0, false, &LedgerError{Op: "read", err: err}
	}
	if !exists {
		return 0, false, nil
	}

	err = exec.QueryRow(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		if errors.Is(err, anidriver.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, &LedgerError{Op: "read", err: err}
	}

	return version, true, nil
}

// ledgerInsert records a schema version in the ledger. Inserting a version
// that's already recorded is a no-op, keeping the ledger free of duplicates
// under concurrent or repeated migration calls.
func ledgerInsert(ctx context.Context, exec anidriver.Executor, version int, description string, appliedAt time.Time) error {
	err := exec.Exec(ctx,
		"INSERT INTO schema_version (version, description, applied_at) VALUES ($1, $2, $3) ON CONFLICT (version) DO NOTHING",
		version, description, appliedAt,
	)
	if err != nil {
		return &LedgerError{Op: "record", err: err}
	}
	return nil
}
