// Package repository defines data access interfaces for dashp2p entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// SessionSummary aggregates the persisted requests of one playback session.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	Requests      int64     `json:"requests"`
	Bytes         int64     `json:"bytes"`
	FirstRecorded time.Time `json:"first_recorded"`
	LastRecorded  time.Time `json:"last_recorded"`
}

// RequestRecordRepository defines operations for completed request persistence.
type RequestRecordRepository interface {
	// Record validates and stores a completed request.
	Record(ctx context.Context, rec *models.RequestRecord) error
	// GetBySession retrieves the requests of a session in completion order.
	GetBySession(ctx context.Context, sessionID string, limit int) ([]*models.RequestRecord, error)
	// Summaries aggregates every stored session, most recent first.
	Summaries(ctx context.Context) ([]SessionSummary, error)
	// DeleteBySession removes every request of a session.
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
	// DeleteOlderThan removes requests completed before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
