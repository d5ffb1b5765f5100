package artifacts

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anitrack/anitrackmigrate/internal/util/sliceutil"
)

func artifactNames(t *testing.T, fsys fs.FS) []string {
	t.Helper()

	entries, err := fs.ReadDir(fsys, ".")
	require.NoError(t, err)

	return sliceutil.Map(entries, func(entry fs.DirEntry) string { return entry.Name() })
}

func TestDialectsCarrySameArtifacts(t *testing.T) {
	t.Parallel()

	require.Equal(t, artifactNames(t, Postgres()), artifactNames(t, SQLite()))
}

func TestArtifactsReadable(t *testing.T) {
	t.Parallel()

	for _, fsys := range []fs.FS{Postgres(), SQLite()} {
		for _, name := range artifactNames(t, fsys) {
			contents, err := fs.ReadFile(fsys, name)
			require.NoError(t, err)
			require.NotEmpty(t, contents)
		}
	}
}
