// Package artifacts embeds the schema artifacts of the anitrack database
// line, one directory per SQL dialect. Both directories contain the same
// versions under the same artifact names; only the SQL differs.
package artifacts

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var artifactFS embed.FS

// Postgres returns the artifact filesystem with Postgres dialect SQL.
func Postgres() fs.FS {
	return mustSub("postgres")
}

// SQLite returns the artifact filesystem with SQLite dialect SQL.
func SQLite() fs.FS {
	return mustSub("sqlite")
}

func mustSub(dir string) fs.FS {
	fsys, err := fs.Sub(artifactFS, dir)
	if err != nil {
		panic(err)
	}
	return fsys
}
