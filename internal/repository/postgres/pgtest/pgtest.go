// Package pgtest opens throwaway sqlite-backed stores for package tests.
package pgtest

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"secmon/internal/config"
	"secmon/internal/repository/postgres"
)

// NewDB returns an in-memory database migrated with every core table. Each
// test gets its own database named after the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)

	db, err := postgres.Open(config.DatabaseConfig{AutoMigrate: true}, nil,
		postgres.WithDialector(sqlite.Open(dsn)),
		postgres.WithLogger(logger.Default.LogMode(logger.Silent)),
	)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	t.Cleanup(func() {
		_ = postgres.Close(db)
	})
	return db
}

// Broken returns a database whose connection is already closed, for
// exercising store-failure paths.
func Broken(t testing.TB) *gorm.DB {
	t.Helper()

	db := NewDB(t)
	if err := postgres.Close(db); err != nil {
		t.Fatalf("close test database: %v", err)
	}
	return db
}
