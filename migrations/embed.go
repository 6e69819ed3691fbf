// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the PostgreSQL migrations, rooted at their directory.
func Postgres() fs.FS {
	return mustSub("postgres")
}

// SQLite returns the SQLite migrations, rooted at their directory.
func SQLite() fs.FS {
	return mustSub("sqlite")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		// Only reachable if the embed pattern above changes.
		panic(err)
	}
	return sub
}
