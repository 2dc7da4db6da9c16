package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is a wrapper around ulid.ULID for database storage as primary key.
// ULIDs sort by creation time, so persisted request records come back in
// the order they completed.
type ULID ulid.ULID

// NewULID generates a new ULID.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID: %w", err)
	}
	return ULID(id), nil
}

// String returns the string representation of the ULID.
func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero returns true if the ULID is zero/empty.
func (u ULID) IsZero() bool {
	return ulid.ULID(u).Compare(ulid.ULID{}) == 0
}

// Time returns the timestamp component.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

// Value implements driver.Valuer.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return ulid.ULID(u).String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("scanning ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// MarshalText implements encoding.TextMarshaler so JSON output uses the
// canonical string form.
func (u ULID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *ULID) UnmarshalText(text []byte) error {
	id, err := ParseULID(string(text))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// GormDataType returns the GORM data type for ULID.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel provides the primary key and creation time of persisted records.
type BaseModel struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates a ULID if not already set.
func (b *BaseModel) BeforeCreate(_ *gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}
