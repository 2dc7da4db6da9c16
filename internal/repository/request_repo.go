package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// requestRecordRepo implements RequestRecordRepository using GORM.
type requestRecordRepo struct {
	db *gorm.DB
}

// NewRequestRecordRepository creates a new RequestRecordRepository.
func NewRequestRecordRepository(db *gorm.DB) *requestRecordRepo {
	return &requestRecordRepo{db: db}
}

// Record validates and stores a completed request.
func (r *requestRecordRepo) Record(ctx context.Context, rec *models.RequestRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validating request record: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("creating request record: %w", err)
	}
	return nil
}

// GetBySession retrieves the requests of a session in completion order.
// A limit of 0 returns every request.
func (r *requestRecordRepo) GetBySession(ctx context.Context, sessionID string, limit int) ([]*models.RequestRecord, error) {
	var records []*models.RequestRecord
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("last_byte_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting request records by session: %w", err)
	}
	return records, nil
}

// Summaries aggregates every stored session, most recent first.
func (r *requestRecordRepo) Summaries(ctx context.Context) ([]SessionSummary, error) {
	var rows []struct {
		SessionID string
		Requests  int64
		Bytes     int64
		FirstID   string
		LastID    string
	}
	err := r.db.WithContext(ctx).
		Model(&models.RequestRecord{}).
		Select("session_id, COUNT(*) AS requests, COALESCE(SUM(bytes), 0) AS bytes, MIN(id) AS first_id, MAX(id) AS last_id").
		Group("session_id").
		Order("last_id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("summarizing request records: %w", err)
	}

	// ULID keys carry the time each record was stored.
	summaries := make([]SessionSummary, 0, len(rows))
	for _, row := range rows {
		s := SessionSummary{SessionID: row.SessionID, Requests: row.Requests, Bytes: row.Bytes}
		if id, err := models.ParseULID(row.FirstID); err == nil {
			s.FirstRecorded = id.Time()
		}
		if id, err := models.ParseULID(row.LastID); err == nil {
			s.LastRecorded = id.Time()
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// DeleteBySession removes every request of a session.
func (r *requestRecordRepo) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.RequestRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting request records by session: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes requests completed before the cutoff.
func (r *requestRecordRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("last_byte_at < ?", cutoff).Delete(&models.RequestRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting old request records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ RequestRecordRepository = (*requestRecordRepo)(nil)
