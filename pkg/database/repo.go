package database

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// NewCrash creates a new Crash object. info is stored as jsonb and must
// marshal to a JSON object.
func NewCrash(workerID int, exitReason ExitReasonEnum, path, md5 string, info any) (*Crash, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return &Crash{
		WorkerID:   workerID,
		CreatedAt:  time.Now(),
		ExitReason: exitReason,
		Path:       path,
		MD5:        md5,
		Info:       datatypes.JSON(raw),
	}, nil
}

// inserts a single funky input record into the database
func AddFunkyInput(ctx context.Context, db *gorm.DB, funky *FunkyInput) error {
	if funky == nil {
		return nil
	}
	return db.WithContext(ctx).Create(funky).Error
}

func NewFunkyInput(workerID int, path string, counters Counters) *FunkyInput {
	return &FunkyInput{
		WorkerID:  workerID,
		CreatedAt: time.Now(),
		Path:      path,
		Counters:  counters,
	}
}
