// Package domain contains the aggregated reporting models.
package domain

import (
	"context"
	"time"
)

// DailySales is revenue and volume per store per day.
type DailySales struct {
	DateKey          string  `gorm:"primaryKey"`
	StoreID          string  `gorm:"primaryKey"`
	Revenue          float64 `gorm:"not null"`
	Units            int64   `gorm:"not null"`
	TransactionCount int64   `gorm:"not null"`
	RefreshedAt      time.Time
}

func (DailySales) TableName() string { return "gold_daily_sales" }

// BrandMix is revenue and volume per brand and category per day. Line items
// not yet resolved to a catalog product roll up under the "unknown" brand so
// partition revenue still reconciles with daily sales.
type BrandMix struct {
	DateKey          string  `gorm:"primaryKey"`
	Brand            string  `gorm:"primaryKey"`
	Category         string  `gorm:"primaryKey"`
	Revenue          float64 `gorm:"not null"`
	Units            int64   `gorm:"not null"`
	TransactionCount int64   `gorm:"not null"`
	RefreshedAt      time.Time
}

func (BrandMix) TableName() string { return "gold_brand_mix" }

// StorePerformance is per-store revenue with the average basket size.
type StorePerformance struct {
	DateKey          string  `gorm:"primaryKey"`
	StoreID          string  `gorm:"primaryKey"`
	Revenue          float64 `gorm:"not null"`
	TransactionCount int64   `gorm:"not null"`
	AvgBasket        float64 `gorm:"not null"`
	RefreshedAt      time.Time
}

func (StorePerformance) TableName() string { return "gold_store_performance" }

// Refresh records the last successful rebuild per metric table.
type Refresh struct {
	Metric          string    `gorm:"primaryKey"`
	LastRefreshedAt time.Time `gorm:"not null"`
	RowCount        int64     `gorm:"not null;default:0"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Refresh) TableName() string { return "gold_refreshes" }

const (
	MetricDailySales       = "daily_sales"
	MetricBrandMix         = "brand_mix"
	MetricStorePerformance = "store_performance"
)

const (
	SLAOK       = "ok"
	SLABreached = "breached"
)

type RefreshResult struct {
	Partitions []string  `json:"partitions"`
	Rows       int64     `json:"rows"`
	Watermark  time.Time `json:"watermark"`
	Advanced   bool      `json:"advanced"`
	LagSeconds float64   `json:"lag_seconds"`
	SLAStatus  string    `json:"sla_status"`
}

// StageFreshness is the current lag of one stage against its bound. Lag is
// zero when the stage has fully caught up.
type StageFreshness struct {
	Stage      string  `json:"stage"`
	LagSeconds float64 `json:"lag_seconds"`
	Bound      string  `json:"bound"`
	Status     string  `json:"status"`
}

type FreshnessReport struct {
	Silver StageFreshness `json:"silver"`
	Gold   StageFreshness `json:"gold"`
}

type Service interface {
	// Refresh rebuilds every gold partition touched by silver rows past the
	// gold watermark. Each partition is replaced atomically, so a re-run
	// over the same rows never double-counts.
	Refresh(ctx context.Context) (RefreshResult, error)

	// Freshness reports how far each stage trails its input.
	Freshness(ctx context.Context) (FreshnessReport, error)
}
