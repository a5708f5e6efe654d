// Package dbtest opens throwaway in-memory databases for tests.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mail-intake-go/internal/config"
	"mail-intake-go/internal/database"
)

// New returns a migrated in-memory SQLite database. A single connection is
// kept open because every new connection would see an empty database.
func New(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.InitDatabase(config.DatabaseConfig{
		Driver:       "sqlite",
		DBName:       ":memory:",
		AutoMigrate:  true,
		MaxIdleConns: 1,
		MaxOpenConns: 1,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
