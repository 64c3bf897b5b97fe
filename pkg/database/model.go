package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// ExitReasonEnum mirrors the exit classification of an execution
type ExitReasonEnum string

const (
	ExitRegular ExitReasonEnum = "regular"
	ExitCrash   ExitReasonEnum = "crash"
	ExitTimeout ExitReasonEnum = "timeout"
	ExitKasan   ExitReasonEnum = "kasan"
)

// Crash represents a record in the public.crashes table
type Crash struct {
	ID         int            `gorm:"primaryKey;column:id"`
	WorkerID   int            `gorm:"column:worker_id;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at;default:now()"`
	ExitReason ExitReasonEnum `gorm:"column:exit_reason;not null"`
	Path       string         `gorm:"column:path;not null"`
	MD5        string         `gorm:"column:md5;size:32;not null"`
	Info       datatypes.JSON `gorm:"column:info;type:jsonb"`
}

func (Crash) TableName() string {
	return "crashes"
}

// FunkyInput represents a record in the public.funky_inputs table
type FunkyInput struct {
	ID        int       `gorm:"primaryKey;column:id"`
	WorkerID  int       `gorm:"column:worker_id;not null"`
	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	Path      string    `gorm:"column:path;not null"`
	Counters  Counters  `gorm:"column:counters;type:jsonb"`
}

func (FunkyInput) TableName() string {
	return "funky_inputs"
}

// Counters represents a jsonb column of named worker counters
type Counters map[string]uint64

// Value implements the driver.Valuer interface for the Counters type
func (c Counters) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implements the sql.Scanner interface for the Counters type
func (c *Counters) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, c)
}
