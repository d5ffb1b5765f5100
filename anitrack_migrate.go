// Package anitrackmigrate provides the versioned schema migration and data
// population engine for the anitrack database: it creates a database from
// scratch at a chosen schema version, or upgrades an existing one through a
// chain of versioned schema deltas, keeping schema changes, population data
// and the persisted version ledger transactionally consistent even under
// concurrent invocation.
//
// Schema artifacts are plain SQL files resolved by deterministic names from a
// version transition ("v2_create_schema.sql", "v1_to_v2_upgrade_schema.sql");
// population steps are compiled Go functions selected from a registry by the
// same transition. An upgrade chain runs as a single transaction guarded by
// an exclusive lock on the ledger table, so observers see the database at
// either the old or the new version, never in between, and concurrent
// migrators serialize instead of interleaving.
package anitrackmigrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/anitrack/anitrackmigrate/anidriver"
	"github.com/anitrack/anitrackmigrate/internal/baseservice"
	"github.com/anitrack/anitrackmigrate/internal/util/sliceutil"
	"github.com/anitrack/anitrackmigrate/populate"
)

// Config contains configuration for Migrator.
type Config struct {
	// DatabaseName is the target database migrations run against. Required.
	DatabaseName string

	// ArtifactFS is the filesystem holding schema artifacts, typically
	// os.DirFS over the artifact directory or an embedded FS. Required for
	// CreateDatabase and UpgradeDatabase.
	ArtifactFS fs.FS

	// Logger is the structured logger to use for logging purposes. If none is
	// specified, logs will be emitted to STDOUT with messages at warn level
	// or higher.
	Logger *slog.Logger

	// Metadata is the external anime metadata collaborator handed to
	// population steps. May be nil, in which case steps skip metadata
	// enrichment.
	Metadata populate.AnimeSearcher

	// Populate is the registry of population steps. Defaults to the anitrack
	// schema line's registry.
	Populate *populate.Registry
}

// Migrator is the migration engine for a single target database. It's not
// internally concurrent; two processes invoking it against the same database
// serialize on the database's own locking.
type Migrator struct {
	baseservice.BaseService

	config *Config
	driver anidriver.Driver
}

// New returns a new migrator with the given database driver and
// configuration.
//
// Two drivers are supported, one for Pgx v5 and one for SQLite through the
// built-in database/sql package. See packages anipgxv5 and anisqlite
// respectively.
func New(driver anidriver.Driver, config *Config) (*Migrator, error) {
	if config == nil {
		config = &Config{}
	}
	if config.DatabaseName == "" {
		return nil, errors.New("config DatabaseName is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))
	}

	if config.Populate == nil {
		config.Populate = populate.Anime()
	}

	archetype := &baseservice.Archetype{
		Logger:     logger,
		TimeNowUTC: func() time.Time { return time.Now().UTC() },
	}

	return baseservice.Init(archetype, &Migrator{
		config: config,
		driver: driver,
	}), nil
}

// CreateResult is the result of a CreateDatabase operation.
type CreateResult struct {
	// Version is the schema version the database was created at.
	Version int

	// Populated indicates whether a population step ran for the creation.
	Populated bool
}

// UpgradeStep is the result of a single version transition within an upgrade.
type UpgradeStep struct {
	FromVersion int
	ToVersion   int

	// Populated indicates whether a population step ran for the transition.
	Populated bool
}

// UpgradeResult is the result of an UpgradeDatabase operation.
type UpgradeResult struct {
	FromVersion int
	ToVersion   int

	// Steps are the version transitions that were applied, in order.
	Steps []UpgradeStep
}

// CreateDatabase creates the target database at the given schema version,
// creating the database itself on the server first if it doesn't exist
// (a pre-existing target is not an error, so creation is idempotent at that
// step). A version of zero or less means the latest version available in the
// artifact filesystem.
//
// The schema artifact and population step run in one transaction under an
// exclusive ledger lock. On failure everything is rolled back and the typed
// error is returned with its cause attached, but the target database itself
// is not dropped: a created-but-unmigrated database is a known outcome that
// requires manual cleanup.
func (m *Migrator) CreateDatabase(ctx context.Context, version int) (*CreateResult, error) {
	databaseName := m.config.DatabaseName

	if err := m.ensureDatabaseExists(ctx, databaseName); err != nil {
		return nil, err
	}

	// Reconnect, this time to the target database, with autocommit off so
	// that schema, population and ledger state commit together.
	sess, err := m.driver.Open(ctx, databaseName, false)
	if err != nil {
		return nil, err
	}
	defer m.closeSession(ctx, sess)

	res, err := m.createInSession(ctx, sess, version)
	if err != nil {
		m.rollbackSession(ctx, sess)
		return nil, err
	}

	m.Logger.InfoContext(ctx, m.Name+": Database created",
		slog.String("database", databaseName),
		slog.Int("version", res.Version))

	return res, nil
}

func (m *Migrator) ensureDatabaseExists(ctx context.Context, databaseName string) error {
	// Database existence is managed from the server's administrative
	// database; the target can't host its own CREATE DATABASE.
	admin, err := m.driver.OpenAdmin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := admin.Close(ctx); err != nil {
			m.Logger.WarnContext(ctx, m.Name+": Error closing admin session", slog.String("error", err.Error()))
		}
	}()

	exists, err := admin.DatabaseExists(ctx, databaseName)
	if err != nil {
		return err
	}
	if exists {
		m.Logger.InfoContext(ctx, m.Name+": Database already exists; proceeding with schema creation",
			slog.String("database", databaseName))
		return nil
	}

	if err := admin.CreateDatabase(ctx, databaseName); err != nil {
		return err
	}
	m.Logger.InfoContext(ctx, m.Name+": Database created on server", slog.String("database", databaseName))
	return nil
}

func (m *Migrator) createInSession(ctx context.Context, sess anidriver.Session, version int) (*CreateResult, error) {
	if version <= 0 {
		latest, err := m.latestVersion()
		if err != nil {
			return nil, err
		}
		version = latest
	}

	if _, err := m.applySchemaStep(ctx, sess, 0, version); err != nil {
		return nil, err
	}

	// The creation artifact normally creates the ledger table itself, but
	// ensure it exists so the exclusive lock below always has a target. The
	// lock serializes concurrent creators.
	if err := ensureLedger(ctx, sess); err != nil {
		return nil, err
	}
	if err := lockLedger(ctx, sess); err != nil {
		return nil, err
	}

	populated, err := m.runPopulateStep(ctx, sess, 0, version)
	if err != nil {
		return nil, err
	}

	if err := sess.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing database creation: %w", err)
	}

	return &CreateResult{Version: version, Populated: populated}, nil
}

// UpgradeDatabase upgrades the target database from fromVersion to toVersion,
// applying the schema artifact and optional population step of every
// transition in between, in order, as one transaction under an exclusive
// ledger lock. The final version is recorded in the ledger idempotently.
//
// The engine doesn't verify that fromVersion matches the ledger's current
// version; that precondition belongs to the caller, which can check it with
// CurrentVersion. On any failure the entire chain is rolled back, leaving the
// database at exactly fromVersion.
func (m *Migrator) UpgradeDatabase(ctx context.Context, fromVersion, toVersion int) (*UpgradeResult, error) {
	if fromVersion < 1 {
		return nil, fmt.Errorf("upgrade fromVersion must be at least 1, got %d", fromVersion)
	}
	if toVersion <= fromVersion {
		return nil, fmt.Errorf("upgrade toVersion %d must be greater than fromVersion %d", toVersion, fromVersion)
	}

	sess, err := m.driver.Open(ctx, m.config.DatabaseName, false)
	if err != nil {
		return nil, err
	}
	defer m.closeSession(ctx, sess)

	res, err := m.upgradeInSession(ctx, sess, fromVersion, toVersion)
	if err != nil {
		m.rollbackSession(ctx, sess)
		return nil, err
	}

	m.Logger.InfoContext(ctx, m.Name+": Database upgraded",
		slog.String("database", m.config.DatabaseName),
		slog.Int("from_version", fromVersion),
		slog.Int("to_version", toVersion),
		slog.Any("versions_applied", sliceutil.Map(res.Steps, func(step UpgradeStep) int { return step.ToVersion })))

	return res, nil
}

func (m *Migrator) upgradeInSession(ctx context.Context, sess anidriver.Session, fromVersion, toVersion int) (*UpgradeResult, error) {
	if err := ensureLedger(ctx, sess); err != nil {
		return nil, err
	}
	if err := lockLedger(ctx, sess); err != nil {
		return nil, err
	}

	res := &UpgradeResult{
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Steps:       make([]UpgradeStep, 0, toVersion-fromVersion),
	}

	for version := fromVersion; version < toVersion; version++ {
		if _, err := m.applySchemaStep(ctx, sess, version, version+1); err != nil {
			return nil, err
		}

		populated, err := m.runPopulateStep(ctx, sess, version, version+1)
		if err != nil {
			return nil, err
		}

		res.Steps = append(res.Steps, UpgradeStep{FromVersion: version, ToVersion: version + 1, Populated: populated})
	}

	description := fmt.Sprintf("Upgraded to schema version %d", toVersion)
	if err := ledgerInsert(ctx, sess, toVersion, description, m.TimeNowUTC()); err != nil {
		return nil, err
	}

	// Commit once, after the full chain of steps succeeded.
	if err := sess.Commit(ctx); err != nil {
		return nil, fmt.Errorf("error committing database upgrade: %w", err)
	}

	return res, nil
}

// CurrentVersion reads the target database's current schema version from the
// ledger. Returns found=false when the ledger is empty or doesn't exist yet.
// Callers use it to enforce the fromVersion precondition of UpgradeDatabase.
func (m *Migrator) CurrentVersion(ctx context.Context) (version int, found bool, err error) {
	sess, err := m.driver.Open(ctx, m.config.DatabaseName, true)
	if err != nil {
		return 0, false, err
	}
	defer m.closeSession(ctx, sess)

	return ledgerCurrentVersion(ctx, sess)
}

// LatestAvailableVersion returns the highest schema version available in the
// configured artifact filesystem.
func (m *Migrator) LatestAvailableVersion() (int, error) {
	return m.latestVersion()
}

func (m *Migrator) latestVersion() (int, error) {
	if m.config.ArtifactFS == nil {
		return 0, errors.New("config ArtifactFS is required to resolve schema versions")
	}
	return LatestVersion(m.config.ArtifactFS)
}

func (m *Migrator) applySchemaStep(ctx context.Context, sess anidriver.Session, fromVersion, toVersion int) (string, error) {
	if m.config.ArtifactFS == nil {
		return "", errors.New("config ArtifactFS is required to apply schema artifacts")
	}

	m.Logger.InfoContext(ctx, m.Name+": Applying schema artifact",
		slog.Int("from_version", fromVersion),
		slog.Int("to_version", toVersion))

	name, err := applySchemaArtifact(ctx, sess, m.config.ArtifactFS, fromVersion, toVersion)
	if err != nil {
		return name, err
	}

	m.Logger.InfoContext(ctx, m.Name+": Schema artifact applied", slog.String("artifact", name))
	return name, nil
}

// runPopulateStep runs the population step registered for a transition, if
// any, inside its own transaction scope. No registered step means no work and
// no transaction at all, which is the common case for most versions.
func (m *Migrator) runPopulateStep(ctx context.Context, sess anidriver.Session, fromVersion, toVersion int) (bool, error) {
	transition := populate.Transition{FromVersion: fromVersion, ToVersion: toVersion}

	stepFunc, ok := m.config.Populate.Lookup(fromVersion, toVersion)
	if !ok {
		m.Logger.InfoContext(ctx, m.Name+": No population step for transition",
			slog.Int("from_version", fromVersion),
			slog.Int("to_version", toVersion))
		return false, nil
	}

	m.Logger.InfoContext(ctx, m.Name+": Running population step", slog.String("step", transition.StepName()))

	// The step gets its own scope (a savepoint within the migration's outer
	// transaction) so a failure rolls back only its work before the error
	// aborts the rest of the migration.
	tx, err := sess.Begin(ctx)
	if err != nil {
		return false, &PopulateError{FromVersion: fromVersion, ToVersion: toVersion, Step: transition.StepName(), err: err}
	}

	env := &populate.Env{
		Exec:     tx,
		Logger:   m.Logger,
		Metadata: m.config.Metadata,
	}

	if err := stepFunc(ctx, env); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			m.Logger.WarnContext(ctx, m.Name+": Error rolling back population step", slog.String("error", rbErr.Error()))
		}
		return false, &PopulateError{FromVersion: fromVersion, ToVersion: toVersion, Step: transition.StepName(), err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, &PopulateError{FromVersion: fromVersion, ToVersion: toVersion, Step: transition.StepName(), err: err}
	}

	m.Logger.InfoContext(ctx, m.Name+": Population step executed successfully", slog.String("step", transition.StepName()))
	return true, nil
}

// rollbackSession rolls back the session's implicit transaction ahead of the
// deferred close so that rollback always precedes connection teardown on
// error paths.
func (m *Migrator) rollbackSession(ctx context.Context, sess anidriver.Session) {
	if err := sess.Rollback(ctx); err != nil {
		m.Logger.WarnContext(ctx, m.Name+": Error rolling back migration session", slog.String("error", err.Error()))
	}
}

func (m *Migrator) closeSession(ctx context.Context, sess anidriver.Session) {
	if err := sess.Close(ctx); err != nil {
		m.Logger.WarnContext(ctx, m.Name+": Error closing migration session", slog.String("error", err.Error()))
	}
}
