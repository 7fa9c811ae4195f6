// Package journal persists release run history in a local SQLite
// database, so `stevedore history` and `stevedore status` can answer
// what was released, when, and how it went without consulting the
// registry or the git remote.
//
// The journal is strictly advisory: a failure to record history never
// fails a release. Callers log journal errors as warnings and move on.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DataDir returns the directory used to store stevedore data.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stevedore"), nil
}

// DBPath returns the full path to the SQLite database file.
func DBPath() (string, error) {
	d, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "stevedore.db"), nil
}

// InitDB ensures the data directory exists, opens the SQLite database,
// and creates the schema if it does not exist.
func InitDB() (*sql.DB, error) {
	dbPath, err := DBPath()
	if err != nil {
		return nil, err
	}
	return Open(dbPath)
}

// Open opens (creating if necessary) the journal database at path and
// applies migrations. Split from InitDB so tests can point it at a
// temporary directory.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := ApplyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
