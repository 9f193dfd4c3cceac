package db

import (
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenTest opens a fresh in-memory store with the full schema applied.
// Each call returns an isolated database; it is closed via t.Cleanup.
func OpenTest(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := New(Config{
		Path:     ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}

	t.Cleanup(func() {
		_ = Close(database)
	})
	return database
}
