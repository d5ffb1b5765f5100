package anitrackmigrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anitrack/anitrackmigrate/anidriver"
	"github.com/anitrack/anitrackmigrate/anidriver/anisqlite"
)

func setupLedgerSession(ctx context.Context, t *testing.T) anidriver.Session {
	t.Helper()

	driver := anisqlite.New(t.TempDir())

	admin, err := driver.OpenAdmin(ctx)
	require.NoError(t, err)
	require.NoError(t, admin.CreateDatabase(ctx, testDatabaseName))
	require.NoError(t, admin.Close(ctx))

	sess, err := driver.Open(ctx, testDatabaseName, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(ctx) })

	return sess
}

func TestLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("CurrentVersionWithoutTable", func(t *testing.T) {
		t.Parallel()

		sess := setupLedgerSession(ctx, t)

		version, found, err := ledgerCurrentVersion(ctx, sess)
		require.NoError(t, err)
		require.False(t, found)
		require.Zero(t, version)
	})

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		t.Parallel()

		sess := setupLedgerSession(ctx, t)

		require.NoError(t, ensureLedger(ctx, sess))
		require.NoError(t, ensureLedger(ctx, sess))

		version, found, err := ledgerCurrentVersion(ctx, sess)
		require.NoError(t, err)
		require.False(t, found)
		require.Zero(t, version)
	})

	t.Run("InsertAndRead", func(t *testing.T) {
		t.Parallel()

		sess := setupLedgerSession(ctx, t)
		require.NoError(t, ensureLedger(ctx, sess))

		now := time.Now().UTC()
		require.NoError(t, ledgerInsert(ctx, sess, 1, "Database creation at schema version 1", now))
		require.NoError(t, ledgerInsert(ctx, sess, 2, "Upgraded to schema version 2", now))

		version, found, err := ledgerCurrentVersion(ctx, sess)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 2, version)
	})

	t.Run("InsertIsIdempotent", func(t *testing.T) {
		t.Parallel()

		sess := setupLedgerSession(ctx, t)
		require.NoError(t, ensureLedger(ctx, sess))

		now := time.Now().UTC()
		require.NoError(t, ledgerInsert(ctx, sess, 2, "Upgraded to schema version 2", now))
		require.NoError(t, ledgerInsert(ctx, sess, 2, "Upgraded to schema version 2", now))

		var count int
		require.NoError(t, sess.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count))
		require.Equal(t, 1, count)
	})
}
