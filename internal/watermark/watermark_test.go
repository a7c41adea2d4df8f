package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Mark{}))

	return NewService(ServiceParam{DB: db, Log: zap.NewNop()})
}

func TestAdvance_Monotonic(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	moved, err := svc.Advance(ctx, StageSilver, t0)
	require.NoError(t, err)
	assert.True(t, moved)

	// Forward advance applies.
	moved, err = svc.Advance(ctx, StageSilver, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, moved)

	// Regression is a no-op.
	moved, err = svc.Advance(ctx, StageSilver, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, moved)

	// Equal key is a no-op too.
	moved, err = svc.Advance(ctx, StageSilver, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := svc.Get(ctx, StageSilver)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), got)
}

func TestGet_UnknownStageIsZero(t *testing.T) {
	svc := setupService(t)

	got, err := svc.Get(context.Background(), "never_ran")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestReset_ClearsCursor(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Advance(ctx, StageGold, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx, StageGold))

	got, err := svc.Get(ctx, StageGold)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	// A fresh advance after reset replays from scratch.
	moved, err := svc.Advance(ctx, StageGold, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, moved)
}
