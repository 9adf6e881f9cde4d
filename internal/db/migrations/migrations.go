// Package migrations runs the embedded goose migrations for the
// sessions and messages schema.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedded embed.FS

// QuietMode suppresses goose's per-migration logging (set by the CLI).
var QuietMode bool

// Run applies all pending migrations.
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if QuietMode {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
