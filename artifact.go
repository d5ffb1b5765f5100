package anitrackmigrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"github.com/anitrack/anitrackmigrate/anidriver"
)

// createSchemaPattern matches creation-form schema artifacts and captures the
// embedded version number.
var createSchemaPattern = regexp.MustCompile(`^v(\d+)_create_schema\.sql$`)

// createSchemaArtifactName returns the filename of the creation schema
// artifact for a version, like "v2_create_schema.sql".
func createSchemaArtifactName(version int) string {
	return fmt.Sprintf("v%d_create_schema.sql", version)
}

// upgradeSchemaArtifactName returns the filename of the upgrade schema
// artifact for a transition, like "v1_to_v2_upgrade_schema.sql".
func upgradeSchemaArtifactName(fromVersion, toVersion int) string {
	return fmt.Sprintf("v%d_to_v%d_upgrade_schema.sql", fromVersion, toVersion)
}

// schemaArtifactName resolves the schema artifact filename for a version
// transition: the creation form when fromVersion is zero, the upgrade form
// otherwise. The resolution is deterministic.
func schemaArtifactName(fromVersion, toVersion int) string {
	if fromVersion == 0 {
		return createSchemaArtifactName(toVersion)
	}
	return upgradeSchemaArtifactName(fromVersion, toVersion)
}

// LatestVersion scans an artifact filesystem for creation-form schema
// artifacts and returns the highest embedded version. Files not matching the
// creation naming pattern are ignored. Returns ErrNoArtifacts when nothing
// matches.
func LatestVersion(artifactFS fs.FS) (int, error) {
	entries, err := fs.ReadDir(artifactFS, ".")
	if err != nil {
		return 0, fmt.Errorf("error reading artifact directory: %w", err)
	}

	latest := 0
	for _, entry := range entries {
		match := createSchemaPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}

		version, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, fmt.Errorf("error parsing version from artifact %q: %w", entry.Name(), err)
		}

		latest = max(latest, version)
	}

	if latest == 0 {
		return 0, ErrNoArtifacts
	}
	return latest, nil
}

// applySchemaArtifact reads the schema artifact for a version transition and
// executes it as a single statement batch against the given scope. Returns
// the resolved artifact name for logging. A missing file yields an
// ArtifactNotFoundError; an execution failure yields a SchemaApplyError.
func applySchemaArtifact(ctx context.Context, exec anidriver.Executor, artifactFS fs.FS, fromVersion, toVersion int) (string, error) {
	name := schemaArtifactName(fromVersion, toVersion)

	contents, err := fs.ReadFile(artifactFS, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return name, &ArtifactNotFoundError{Name: name}
		}
		return name, fmt.Errorf("error reading schema artifact %q: %w", name, err)
	}

	if err := exec.Exec(ctx, string(contents)); err != nil {
		return name, &SchemaApplyError{FromVersion: fromVersion, ToVersion: toVersion, Name: name, err: err}
	}

	return name, nil
}
