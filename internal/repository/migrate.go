package repository

import (
	"database/sql"
	"fmt"

	"github.com/leafsii/leafsii-liquidity/migrations"
	"github.com/pressly/goose/v3"
)

// Migrate applies the embedded migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
