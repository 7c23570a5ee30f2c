package db

import (
	"fmt"
	"strings"

	"tokenrelay/internal/models"

	"gorm.io/gorm"
)

// Migrate applies the schema and the additive column migrations. It is
// idempotent and never drops data, so running it on every start is safe.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errAuto := conn.AutoMigrate(
		&models.User{},
		&models.Usage{},
		&models.RateLimit{},
		&models.ModelPrice{},
		&models.PriceHistory{},
		&models.AuditLog{},
	); errAuto != nil {
		return fmt.Errorf("db: auto migrate: %w", errAuto)
	}

	return ensureUsageColumns(conn)
}

// ensureUsageColumns adds the columns the usage table gained after its first
// release. Databases created by older builds lack them; the "duplicate
// column" error on current databases is swallowed so restarts stay safe.
func ensureUsageColumns(conn *gorm.DB) error {
	statements := []string{
		"ALTER TABLE usage ADD COLUMN cost REAL NOT NULL DEFAULT 0.0",
		"ALTER TABLE usage ADD COLUMN request_id TEXT DEFAULT NULL",
		"ALTER TABLE usage ADD COLUMN prompt_preview TEXT DEFAULT NULL",
	}
	for _, statement := range statements {
		if errExec := conn.Exec(statement).Error; errExec != nil {
			if isDuplicateColumnErr(errExec) {
				continue
			}
			return fmt.Errorf("db: migrate usage columns: %w", errExec)
		}
	}
	return nil
}

// isDuplicateColumnErr matches the SQLite error raised when an added column
// already exists.
func isDuplicateColumnErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}
