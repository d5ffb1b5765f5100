package anitrackmigrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anitrack/anitrackmigrate/anidriver"
	"github.com/anitrack/anitrackmigrate/anidriver/anisqlite"
	"github.com/anitrack/anitrackmigrate/artifacts"
	"github.com/anitrack/anitrackmigrate/internal/slogtest"
	"github.com/anitrack/anitrackmigrate/metadata"
	"github.com/anitrack/anitrackmigrate/populate"
)

const testDatabaseName = "anitrack_test"

// searcherFunc adapts a function to populate.AnimeSearcher.
type searcherFunc func(ctx context.Context, name string) ([]metadata.Anime, error)

func (f searcherFunc) SearchAnime(ctx context.Context, name string) ([]metadata.Anime, error) {
	return f(ctx, name)
}

type testBundle struct {
	config *Config
	driver *anisqlite.Driver
}

func setupMigrator(t *testing.T, configModify func(config *Config)) (*Migrator, *testBundle) {
	t.Helper()

	driver := anisqlite.New(t.TempDir())

	config := &Config{
		ArtifactFS:   artifacts.SQLite(),
		DatabaseName: testDatabaseName,
		Logger:       slogtest.NewLogger(t, nil),
	}
	if configModify != nil {
		configModify(config)
	}

	migrator, err := New(driver, config)
	require.NoError(t, err)

	return migrator, &testBundle{config: config, driver: driver}
}

// openTestSession opens an autocommit session on the test database for
// verifying state from outside the engine.
func openTestSession(ctx context.Context, t *testing.T, driver *anisqlite.Driver) anidriver.Session {
	t.Helper()

	sess, err := driver.Open(ctx, testDatabaseName, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(ctx) })

	return sess
}

func countRows(ctx context.Context, t *testing.T, sess anidriver.Session, table string) int {
	t.Helper()

	var count int
	require.NoError(t, sess.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count))
	return count
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("DatabaseNameRequired", func(t *testing.T) {
		t.Parallel()

		_, err := New(anisqlite.New(t.TempDir()), &Config{})
		require.EqualError(t, err, "config DatabaseName is required")
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		migrator, err := New(anisqlite.New(t.TempDir()), &Config{DatabaseName: testDatabaseName})
		require.NoError(t, err)
		require.NotNil(t, migrator.Logger)
		require.NotNil(t, migrator.config.Populate)
		require.Equal(t, "Migrator", migrator.Name)
	})
}

func TestMigratorCreateDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("LatestVersion", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, nil)

		res, err := migrator.CreateDatabase(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 3, res.Version)
		require.True(t, res.Populated)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 3, version)

		sess := openTestSession(ctx, t, bundle.driver)
		require.Equal(t, 21, countRows(ctx, t, sess, "genre"))
		require.Equal(t, 6, countRows(ctx, t, sess, "stream_service"))
		require.Equal(t, 3, countRows(ctx, t, sess, "content_status"))
	})

	t.Run("SpecificVersionWithoutPopulateStep", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, nil)

		res, err := migrator.CreateDatabase(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Version)
		require.False(t, res.Populated)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 1, version)

		sess := openTestSession(ctx, t, bundle.driver)
		exists, err := sess.TableExists(ctx, "anime")
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("ExistingDatabaseOnServer", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, nil)

		// Pre-create the database on the server side; creation should treat
		// that as non-fatal and proceed with the schema.
		admin, err := bundle.driver.OpenAdmin(ctx)
		require.NoError(t, err)
		require.NoError(t, admin.CreateDatabase(ctx, testDatabaseName))
		require.NoError(t, admin.Close(ctx))

		res, err := migrator.CreateDatabase(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Version)
	})

	t.Run("MissingArtifact", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, nil)

		_, err := migrator.CreateDatabase(ctx, 5)
		var artifactErr *ArtifactNotFoundError
		require.ErrorAs(t, err, &artifactErr)
		require.Equal(t, "v5_create_schema.sql", artifactErr.Name)
	})

	t.Run("NoArtifacts", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, func(config *Config) {
			config.ArtifactFS = fstest.MapFS{}
		})

		_, err := migrator.CreateDatabase(ctx, 0)
		require.ErrorIs(t, err, ErrNoArtifacts)
	})

	t.Run("PopulateFailureRollsBackSchema", func(t *testing.T) {
		t.Parallel()

		registry := populate.NewRegistry()
		registry.Register(0, 1, func(ctx context.Context, env *populate.Env) error {
			return errors.New("seed data gone bad")
		})

		migrator, bundle := setupMigrator(t, func(config *Config) {
			config.Populate = registry
		})

		_, err := migrator.CreateDatabase(ctx, 1)
		var populateErr *PopulateError
		require.ErrorAs(t, err, &populateErr)
		require.Equal(t, "v1_create_populate", populateErr.Step)

		// The database file exists, but the schema was rolled back with the
		// failed population step.
		sess := openTestSession(ctx, t, bundle.driver)
		exists, err := sess.TableExists(ctx, "anime")
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestMigratorUpgradeDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// setupAtV1 creates the database at version 1 and inserts a legacy anime
	// row of the flat v1 schema.
	setupAtV1 := func(t *testing.T, migrator *Migrator, bundle *testBundle) {
		t.Helper()

		_, err := migrator.CreateDatabase(ctx, 1)
		require.NoError(t, err)

		sess := openTestSession(ctx, t, bundle.driver)
		require.NoError(t, sess.Exec(ctx,
			"INSERT INTO anime (name, season, episode, times_watched, service, watch_date, genres) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			"Spice and Wolf", 1, 12, 1, "Netflix", "2021-05-04", "Action, Sci Fi"))
	}

	spiceAndWolf := []metadata.Anime{{
		MALID:           2966,
		Title:           "Ookami to Koushinryou",
		Titles:          []string{"Ookami to Koushinryou", "Spice and Wolf"},
		URL:             "https://myanimelist.net/anime/2966",
		Episodes:        12,
		EpisodeDuration: 24 * time.Minute,
		Status:          "Finished Airing",
		Genres:          []string{"Adventure", "Fantasy", "Romance"},
		Licensors:       []string{"Funimation"},
	}}

	t.Run("FullChainWithMetadata", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, func(config *Config) {
			config.Metadata = searcherFunc(func(ctx context.Context, name string) ([]metadata.Anime, error) {
				require.Equal(t, "spice_and_wolf", name)
				return spiceAndWolf, nil
			})
		})
		setupAtV1(t, migrator, bundle)

		res, err := migrator.UpgradeDatabase(ctx, 1, 3)
		require.NoError(t, err)
		require.Equal(t, &UpgradeResult{FromVersion: 1, ToVersion: 3, Steps: []UpgradeStep{
			{FromVersion: 1, ToVersion: 2, Populated: true},
			{FromVersion: 2, ToVersion: 3, Populated: false},
		}}, res)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 3, version)

		sess := openTestSession(ctx, t, bundle.driver)

		var name, displayName string
		require.NoError(t, sess.QueryRow(ctx, "SELECT name, display_name FROM anime").Scan(&name, &displayName))
		require.Equal(t, "spice_and_wolf", name)
		require.Equal(t, "Spice and Wolf", displayName)

		require.Equal(t, 1, countRows(ctx, t, sess, "season"))
		require.Equal(t, 12, countRows(ctx, t, sess, "episode"))
		require.Equal(t, 1, countRows(ctx, t, sess, "watch_history"))

		// The legacy table is dropped once its rows are migrated.
		exists, err := sess.TableExists(ctx, "anime_old")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("WithoutMetadataCollaborator", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, nil)
		setupAtV1(t, migrator, bundle)

		res, err := migrator.UpgradeDatabase(ctx, 1, 2)
		require.NoError(t, err)
		require.Equal(t, []UpgradeStep{{FromVersion: 1, ToVersion: 2, Populated: true}}, res.Steps)

		// The anime row is carried over, but without metadata there's nothing
		// to reconstruct seasons from.
		sess := openTestSession(ctx, t, bundle.driver)
		require.Equal(t, 1, countRows(ctx, t, sess, "anime"))
		require.Equal(t, 0, countRows(ctx, t, sess, "season"))
	})

	t.Run("RollsBackChainOnMissingArtifact", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, func(config *Config) {
			config.Metadata = searcherFunc(func(ctx context.Context, name string) ([]metadata.Anime, error) {
				return spiceAndWolf, nil
			})
		})
		setupAtV1(t, migrator, bundle)

		// Steps 1 -> 2 and 2 -> 3 succeed before 3 -> 4 comes up short; the
		// whole chain must roll back.
		_, err := migrator.UpgradeDatabase(ctx, 1, 5)
		var artifactErr *ArtifactNotFoundError
		require.ErrorAs(t, err, &artifactErr)
		require.Equal(t, "v3_to_v4_upgrade_schema.sql", artifactErr.Name)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 1, version)

		sess := openTestSession(ctx, t, bundle.driver)
		exists, err := sess.TableExists(ctx, "genre")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("RollsBackChainOnPopulateFailure", func(t *testing.T) {
		t.Parallel()

		registry := populate.NewRegistry()
		registry.Register(1, 2, func(ctx context.Context, env *populate.Env) error {
			return errors.New("legacy data in unexpected shape")
		})

		migrator, bundle := setupMigrator(t, func(config *Config) {
			config.Populate = registry
		})
		setupAtV1(t, migrator, bundle)

		_, err := migrator.UpgradeDatabase(ctx, 1, 2)
		var populateErr *PopulateError
		require.ErrorAs(t, err, &populateErr)
		require.Equal(t, "v1_to_v2_upgrade_populate", populateErr.Step)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 1, version)

		// The legacy table survives the rollback untouched.
		sess := openTestSession(ctx, t, bundle.driver)
		require.Equal(t, 1, countRows(ctx, t, sess, "anime"))
	})

	t.Run("InvalidVersionRange", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, nil)

		_, err := migrator.UpgradeDatabase(ctx, 0, 2)
		require.EqualError(t, err, "upgrade fromVersion must be at least 1, got 0")

		_, err = migrator.UpgradeDatabase(ctx, 2, 2)
		require.EqualError(t, err, "upgrade toVersion 2 must be greater than fromVersion 2")
	})

	t.Run("DatabaseNotFound", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, nil)

		_, err := migrator.UpgradeDatabase(ctx, 1, 2)
		require.ErrorIs(t, err, anidriver.ErrDatabaseNotFound)
	})
}

func TestMigratorCurrentVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("DatabaseNotFound", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, nil)

		_, _, err := migrator.CurrentVersion(ctx)
		require.ErrorIs(t, err, anidriver.ErrDatabaseNotFound)
	})

	t.Run("UninitializedDatabase", func(t *testing.T) {
		t.Parallel()

		migrator, bundle := setupMigrator(t, nil)

		admin, err := bundle.driver.OpenAdmin(ctx)
		require.NoError(t, err)
		require.NoError(t, admin.CreateDatabase(ctx, testDatabaseName))
		require.NoError(t, admin.Close(ctx))

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.False(t, found)
		require.Zero(t, version)
	})

	t.Run("LedgerRecordsSurvive", func(t *testing.T) {
		t.Parallel()

		migrator, _ := setupMigrator(t, nil)

		_, err := migrator.CreateDatabase(ctx, 2)
		require.NoError(t, err)

		version, found, err := migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 2, version)

		_, err = migrator.UpgradeDatabase(ctx, 2, 3)
		require.NoError(t, err)

		version, found, err = migrator.CurrentVersion(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, 3, version)
	})
}

func TestMigratorLatestAvailableVersion(t *testing.T) {
	t.Parallel()

	migrator, _ := setupMigrator(t, nil)

	latest, err := migrator.LatestAvailableVersion()
	require.NoError(t, err)
	require.Equal(t, 3, latest)
}
