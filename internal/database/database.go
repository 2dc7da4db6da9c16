// Package database opens the request statistics store. It supports SQLite,
// PostgreSQL, and MySQL through GORM.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/konstantinmiller/dashp2p/internal/config"
	"github.com/konstantinmiller/dashp2p/internal/database/migrations"
)

// DB wraps a GORM database connection with additional functionality.
type DB struct {
	*gorm.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

// Options contains optional configuration for database connections.
type Options struct {
	// PrepareStmt enables prepared statement caching. Default is true.
	PrepareStmt bool
}

// New creates a new database connection based on the provided configuration.
// Use opts to customize behavior; pass nil for defaults (PrepareStmt: true).
func New(cfg config.DatabaseConfig, log *slog.Logger, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{PrepareStmt: true}
	}
	if log == nil {
		log = slog.Default()
	}

	dialector, err := getDialector(cfg)
	if err != nil {
		return nil, fmt.Errorf("getting dialector: %w", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 &slogGormLogger{logger: log, level: gormLogLevel(cfg.LogLevel)},
		SkipDefaultTransaction: true,
		PrepareStmt:            opts.PrepareStmt,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle := cfg.MaxOpenConns, cfg.MaxIdleConns
	if cfg.Driver == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		// Every connection to :memory: opens a separate database.
		maxOpen, maxIdle = 1, 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Debug("database connection pool configured",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)

	return &DB{DB: db, cfg: cfg, logger: log}, nil
}

// getDialector returns the appropriate GORM dialector for the configured driver.
func getDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		// Pure Go driver (glebarez/sqlite on modernc.org/sqlite); PRAGMAs go
		// through the DSN so every pooled connection gets them.
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=busy_timeout(10000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	return migrations.NewMigrator(db.DB, db.logger).Up(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the database driver name.
func (db *DB) Driver() string {
	return db.cfg.Driver
}

// gormLogLevel maps string log levels to GORM logger levels.
func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// slowQueryThreshold defines when a query is considered slow.
const slowQueryThreshold = 200 * time.Millisecond

// maxSQLLogLength limits SQL string length in logs.
const maxSQLLogLength = 200

// slogGormLogger implements GORM's logger.Interface using slog.
type slogGormLogger struct {
	logger *slog.Logger
	level  logger.LogLevel
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{logger: l.logger, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error:
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "database error",
			slog.String("sql", truncateSQL(sql)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow query",
			slog.String("sql", truncateSQL(sql)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	case l.level >= logger.Info && l.logger.Enabled(ctx, slog.LevelDebug):
		sql, rows := fc()
		l.logger.DebugContext(ctx, "database query",
			slog.String("sql", truncateSQL(sql)),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

// truncateSQL truncates a SQL string for logging, preserving the query type.
func truncateSQL(sql string) string {
	if len(sql) <= maxSQLLogLength {
		return sql
	}
	return sql[:maxSQLLogLength] + "... (truncated)"
}
