// Package assets provides access to embedded static files, currently the SQL
// migrations for each supported store dialect.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedFS embed.FS

// ReadFile returns the content of a specific embedded file by its name.
func ReadFile(name string) ([]byte, error) {
	return embedFS.ReadFile(name)
}

// ReadDir returns the directory entries for a specific path.
func ReadDir(name string) ([]fs.DirEntry, error) {
	return embedFS.ReadDir(name)
}
