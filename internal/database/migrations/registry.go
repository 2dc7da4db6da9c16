package migrations

import (
	"gorm.io/gorm"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// sessionNumberIndex speeds up per-session replays in segment order.
const sessionNumberIndex = "idx_request_records_session_number"

// AllMigrations returns all registered migrations in order.
//   - 001: request_records table
//   - 002: composite index on (session_id, number)
func AllMigrations() []Migration {
	return []Migration{
		migration001RequestRecords(),
		migration002SessionNumberIndex(),
	}
}

func migration001RequestRecords() Migration {
	return Migration{
		Version:     "001",
		Description: "Create request_records table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.RequestRecord{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.RequestRecord{})
		},
	}
}

func migration002SessionNumberIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index request records by session and segment number",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX " + sessionNumberIndex + " ON request_records (session_id, number)").Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropIndex(&models.RequestRecord{}, sessionNumberIndex)
		},
	}
}
