package database

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/konstantinmiller/dashp2p/internal/config"
	"github.com/konstantinmiller/dashp2p/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		ConnMaxLifetime: time.Hour,
		LogLevel:        "silent",
	}, nil, &Options{PrepareStmt: false})
	require.NoError(t, err)
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	var foreignKeys int
	require.NoError(t, db.DB.Raw("PRAGMA foreign_keys").Scan(&foreignKeys).Error)
	assert.Equal(t, 1, foreignKeys)
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "invalid", DSN: ":memory:"}, nil, nil)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestGetDialector(t *testing.T) {
	tests := []struct {
		driver string
		name   string
	}{
		{"sqlite", "sqlite"},
		{"postgres", "postgres"},
		{"mysql", "mysql"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := getDialector(config.DatabaseConfig{Driver: tt.driver, DSN: "dsn"})
			require.NoError(t, err)
			assert.Equal(t, tt.name, d.Name())
		})
	}
}

func TestDB_Migrate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))
	assert.True(t, db.DB.Migrator().HasTable(&models.RequestRecord{}))

	rec := &models.RequestRecord{SessionID: "s", URL: "http://cdn.example/1.m4s", Method: "GET"}
	require.NoError(t, db.DB.Create(rec).Error)
	assert.False(t, rec.ID.IsZero())
}

func TestDB_Close(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{"info", logger.Info},
		{"unknown", logger.Warn},
		{"", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, gormLogLevel(tt.level))
		})
	}
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := "SELECT " + strings.Repeat("x", 300)
	out := truncateSQL(long)
	assert.True(t, strings.HasSuffix(out, "... (truncated)"))
	assert.Len(t, out, maxSQLLogLength+len("... (truncated)"))
}
