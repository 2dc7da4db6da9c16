// Package migrations tracks the dashp2p schema version. Each migration runs
// in its own transaction and is recorded in schema_migrations.
package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Migration represents a single database migration.
type Migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
	Down        func(tx *gorm.DB) error
}

// MigrationRecord tracks applied migrations in the database.
type MigrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}

// MigrationStatus represents the status of a single migration.
type MigrationStatus struct {
	Version     string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator handles database migrations.
type Migrator struct {
	db         *gorm.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator creates a Migrator with every migration of AllMigrations
// registered.
func NewMigrator(db *gorm.DB, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Migrator{db: db, logger: logger}
	m.RegisterAll(AllMigrations())
	return m
}

// RegisterAll adds migrations to the registry, keeping it sorted by version.
func (m *Migrator) RegisterAll(migrations []Migration) {
	m.migrations = append(m.migrations, migrations...)
	slices.SortFunc(m.migrations, func(a, b Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if _, ok := applied[migration.Version]; ok {
			continue
		}

		m.logger.InfoContext(ctx, "applying migration",
			slog.String("version", migration.Version),
			slog.String("description", migration.Description),
		)

		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return tx.Create(&MigrationRecord{
				Version:     migration.Version,
				Description: migration.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return fmt.Errorf("initializing migrations table: %w", err)
	}

	var record MigrationRecord
	if err := m.db.WithContext(ctx).Order("version DESC").First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.InfoContext(ctx, "no migrations to rollback")
			return nil
		}
		return fmt.Errorf("getting last migration: %w", err)
	}

	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == record.Version })
	if i < 0 {
		return fmt.Errorf("migration definition not found for version %s", record.Version)
	}
	migration := m.migrations[i]
	if migration.Down == nil {
		return fmt.Errorf("migration %s does not support rollback", record.Version)
	}

	m.logger.InfoContext(ctx, "rolling back migration", slog.String("version", migration.Version))

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := migration.Down(tx); err != nil {
			return err
		}
		return tx.Where("version = ?", migration.Version).Delete(&MigrationRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("rolling back migration %s: %w", migration.Version, err)
	}
	return nil
}

// Status returns the status of all migrations.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, migration := range m.migrations {
		status := MigrationStatus{Version: migration.Version, Description: migration.Description}
		if record, ok := applied[migration.Version]; ok {
			status.Applied = true
			status.AppliedAt = &record.AppliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]MigrationRecord, error) {
	if err := m.db.WithContext(ctx).AutoMigrate(&MigrationRecord{}); err != nil {
		return nil, fmt.Errorf("initializing migrations table: %w", err)
	}

	var records []MigrationRecord
	if err := m.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting applied migrations: %w", err)
	}

	applied := make(map[string]MigrationRecord, len(records))
	for _, record := range records {
		applied[record.Version] = record
	}
	return applied, nil
}
