// Package migrations embeds the goose SQL migrations for internal/store.
// No example in the retrieval pack carried a surviving goose migrations
// directory (filtered out of the teacher's retrieval), so this wiring
// follows goose's own documented embed.FS idiom rather than a pack file.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

// Run applies every pending migration to db.
func Run(db *sql.DB) error {
	goose.SetBaseFS(files)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Version reports the database's current goose schema version, for the
// doctor command's diagnostics.
func Version(db *sql.DB) (int64, error) {
	goose.SetBaseFS(files)
	defer goose.SetBaseFS(nil)

	return goose.GetDBVersion(db)
}
