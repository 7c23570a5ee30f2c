package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMigrateSQLiteUsageColumns(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"cost", "request_id", "prompt_preview"} {
		if !conn.Migrator().HasColumn("usage", column) {
			t.Fatalf("usage missing column %s", column)
		}
	}
}

func TestMigrateSQLiteUsageColumnsBackfillExistingTable(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errExec := conn.Exec(`
		CREATE TABLE usage (
			id integer primary key autoincrement,
			user_id text not null,
			model text not null,
			prompt_tokens integer not null default 0,
			completion_tokens integer not null default 0,
			total_tokens integer not null default 0,
			timestamp datetime
		)
	`).Error; errExec != nil {
		t.Fatalf("create legacy usage table: %v", errExec)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"cost", "request_id", "prompt_preview"} {
		if !conn.Migrator().HasColumn("usage", column) {
			t.Fatalf("usage missing column %s after backfill migration", column)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	for i := 0; i < 3; i++ {
		if errMigrate := Migrate(conn); errMigrate != nil {
			t.Fatalf("migrate pass %d: %v", i+1, errMigrate)
		}
	}
}
