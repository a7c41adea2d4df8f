// Package watermark tracks per-stage progress cursors. A cursor only ever
// moves forward; regressions are dropped so a replayed or late batch cannot
// rewind downstream stages.
package watermark

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	StageSilver = "silver_transform"
	StageGold   = "gold_refresh"
)

type Mark struct {
	Stage            string    `gorm:"primaryKey"`
	LastProcessedKey time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Mark) TableName() string { return "watermarks" }

type Service interface {
	// Get returns the current cursor for a stage; the zero time means the
	// stage has never run.
	Get(ctx context.Context, stage string) (time.Time, error)

	// Advance moves the cursor forward to key. It reports false when the
	// stored cursor is already at or past key.
	Advance(ctx context.Context, stage string, key time.Time) (bool, error)

	// Reset clears a stage cursor so the next run replays from the start.
	Reset(ctx context.Context, stage string) error

	WithTrx(tx *gorm.DB) Service
}

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p ServiceParam) Service {
	return &service{
		db:  p.DB,
		log: p.Log.Named("watermark.service"),
	}
}

func (s *service) WithTrx(tx *gorm.DB) Service {
	return &service{db: tx, log: s.log}
}

func (s *service) Get(ctx context.Context, stage string) (time.Time, error) {
	var mark Mark
	err := s.db.WithContext(ctx).First(&mark, "stage = ?", stage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return mark.LastProcessedKey.UTC(), nil
}

func (s *service) Advance(ctx context.Context, stage string, key time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO watermarks (stage, last_processed_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (stage) DO UPDATE
		SET last_processed_key = excluded.last_processed_key,
		    updated_at = excluded.updated_at
		WHERE watermarks.last_processed_key < excluded.last_processed_key`,
		stage, key.UTC(), time.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("watermark regression dropped",
			zap.String("stage", stage),
			zap.Time("key", key),
		)
		return false, nil
	}
	return true, nil
}

func (s *service) Reset(ctx context.Context, stage string) error {
	return s.db.WithContext(ctx).Delete(&Mark{}, "stage = ?", stage).Error
}

var Module = fx.Module("watermark",
	fx.Provide(NewService),
)
