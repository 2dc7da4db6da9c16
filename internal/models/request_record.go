package models

import (
	"strings"
	"time"
)

// RequestRecord is the persisted form of one completed segment request.
type RequestRecord struct {
	BaseModel

	SessionID     string    `gorm:"type:varchar(36);index;not null" json:"session_id"`
	RequestID     int64     `gorm:"not null" json:"request_id"`
	ConnectionID  int64     `gorm:"not null" json:"connection_id"`
	Method        string    `gorm:"type:varchar(8);not null" json:"method"`
	URL           string    `gorm:"type:text;not null" json:"url"`
	Period        int       `json:"period"`
	AdaptationSet int       `json:"adaptation_set"`
	Tier          int       `json:"tier"`
	Number        int       `json:"number"`
	Status        int       `json:"status"`
	Bytes         int64     `json:"bytes"`
	SentAt        time.Time `json:"sent_at"`
	FirstByteAt   time.Time `json:"first_byte_at"`
	LastByteAt    time.Time `json:"last_byte_at"`
}

// TableName returns the table name for RequestRecord.
func (RequestRecord) TableName() string {
	return "request_records"
}

// Segment returns the identity of the requested segment.
func (r *RequestRecord) Segment() SegmentID {
	return SegmentID{Period: r.Period, AdaptationSet: r.AdaptationSet, Tier: r.Tier, Number: r.Number}
}

// Validate performs basic validation on the record.
func (r *RequestRecord) Validate() error {
	if r.SessionID == "" {
		return ErrSessionRequired
	}
	if strings.TrimSpace(r.URL) == "" {
		return ErrURLRequired
	}
	switch Method(r.Method) {
	case MethodGet, MethodHead:
	default:
		return ErrInvalidMethod
	}
	if r.Bytes < 0 {
		return errNegative("bytes")
	}
	if r.Number < 0 {
		return errNegative("number")
	}
	return nil
}

// DownloadDuration returns the time between sending the request and
// receiving its last byte.
func (r *RequestRecord) DownloadDuration() time.Duration {
	if r.SentAt.IsZero() || r.LastByteAt.IsZero() {
		return 0
	}
	return r.LastByteAt.Sub(r.SentAt)
}
