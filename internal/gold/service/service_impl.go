package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	golddomain "github.com/scoutlabs/medallion/internal/gold/domain"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"github.com/scoutlabs/medallion/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Watermark watermark.Service
	Pipeline  *config.PipelineConfigHolder
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	watermark watermark.Service
	pipeline  *config.PipelineConfigHolder
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) golddomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("gold.service"),
		clock:     p.Clock,
		watermark: p.Watermark,
		pipeline:  p.Pipeline,
		metrics:   p.Metrics,
	}
}

func (s *Service) Refresh(ctx context.Context) (golddomain.RefreshResult, error) {
	cfg := s.pipeline.Current()
	mark, err := s.watermark.Get(ctx, watermark.StageGold)
	if err != nil {
		return golddomain.RefreshResult{}, err
	}

	var partitions []string
	err = s.db.WithContext(ctx).
		Model(&silverdomain.Transaction{}).
		Where("processed_at > ?", mark).
		Distinct().
		Order("date_key").
		Pluck("date_key", &partitions).Error
	if err != nil {
		return golddomain.RefreshResult{}, err
	}

	result := golddomain.RefreshResult{
		Watermark: mark,
		SLAStatus: golddomain.SLAOK,
	}
	if len(partitions) == 0 {
		return result, nil
	}

	var frontierRow sql.NullTime
	err = s.db.WithContext(ctx).
		Raw(`SELECT MAX(processed_at) FROM silver_transactions WHERE processed_at > ?`, mark).
		Scan(&frontierRow).Error
	if err != nil {
		return golddomain.RefreshResult{}, err
	}
	frontier := frontierRow.Time.UTC()

	now := s.clock.Now()
	var rows tableRows
	for _, dateKey := range partitions {
		partRows, err := s.rebuildPartition(ctx, dateKey, now)
		if err != nil {
			return result, fmt.Errorf("rebuild partition %s: %w", dateKey, err)
		}
		result.Partitions = append(result.Partitions, dateKey)
		rows.daily += partRows.daily
		rows.mix += partRows.mix
		rows.perf += partRows.perf
	}
	result.Rows = rows.daily + rows.mix + rows.perf

	if err := s.recordRefreshes(ctx, now, rows); err != nil {
		return result, err
	}

	advanced, err := s.watermark.Advance(ctx, watermark.StageGold, frontier)
	if err != nil {
		return result, err
	}
	result.Watermark = frontier
	result.Advanced = advanced

	result.LagSeconds = now.Sub(frontier).Seconds()
	if now.Sub(frontier) > cfg.GoldSLA {
		result.SLAStatus = golddomain.SLABreached
	}

	s.log.Info("gold refresh complete",
		zap.Strings("partitions", result.Partitions),
		zap.Int64("rows", result.Rows),
		zap.Time("watermark", frontier),
		zap.String("sla_status", result.SLAStatus),
	)
	return result, nil
}

// tableRows carries per-table insert counts out of a partition rebuild.
type tableRows struct {
	daily int64
	mix   int64
	perf  int64
}

// rebuildPartition replaces one day's rows in all three metric tables inside
// a single transaction, so a reader never sees a half-rebuilt day.
func (s *Service) rebuildPartition(ctx context.Context, dateKey string, now time.Time) (tableRows, error) {
	var rows tableRows
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"gold_daily_sales", "gold_brand_mix", "gold_store_performance"} {
			if err := tx.Exec(`DELETE FROM `+table+` WHERE date_key = ?`, dateKey).Error; err != nil {
				return err
			}
		}

		daily := tx.Exec(`
			INSERT INTO gold_daily_sales (date_key, store_id, revenue, units, transaction_count, refreshed_at)
			SELECT t.date_key, t.store_id,
			       SUM(t.total_amount),
			       COALESCE(SUM(u.units), 0),
			       COUNT(*),
			       ?
			FROM silver_transactions t
			LEFT JOIN (
				SELECT transaction_id, SUM(quantity) AS units
				FROM silver_line_items
				GROUP BY transaction_id
			) u ON u.transaction_id = t.transaction_id
			WHERE t.date_key = ?
			GROUP BY t.date_key, t.store_id`, now, dateKey)
		if daily.Error != nil {
			return daily.Error
		}
		rows.daily += daily.RowsAffected

		mix := tx.Exec(`
			INSERT INTO gold_brand_mix (date_key, brand, category, revenue, units, transaction_count, refreshed_at)
			SELECT t.date_key,
			       COALESCE(p.brand, 'unknown'),
			       COALESCE(p.category, 'unknown'),
			       SUM(li.net_amount),
			       SUM(li.quantity),
			       COUNT(DISTINCT t.transaction_id),
			       ?
			FROM silver_transactions t
			JOIN silver_line_items li ON li.transaction_id = t.transaction_id
			LEFT JOIN products p ON p.product_id = li.product_id
			WHERE t.date_key = ?
			GROUP BY t.date_key, COALESCE(p.brand, 'unknown'), COALESCE(p.category, 'unknown')`, now, dateKey)
		if mix.Error != nil {
			return mix.Error
		}
		rows.mix += mix.RowsAffected

		perf := tx.Exec(`
			INSERT INTO gold_store_performance (date_key, store_id, revenue, transaction_count, avg_basket, refreshed_at)
			SELECT t.date_key, t.store_id,
			       SUM(t.total_amount),
			       COUNT(*),
			       ROUND(SUM(t.total_amount) / COUNT(*), 2),
			       ?
			FROM silver_transactions t
			WHERE t.date_key = ?
			GROUP BY t.date_key, t.store_id`, now, dateKey)
		if perf.Error != nil {
			return perf.Error
		}
		rows.perf += perf.RowsAffected
		return nil
	})
	return rows, err
}

func (s *Service) recordRefreshes(ctx context.Context, now time.Time, rows tableRows) error {
	for _, entry := range []struct {
		metric string
		rows   int64
	}{
		{golddomain.MetricDailySales, rows.daily},
		{golddomain.MetricBrandMix, rows.mix},
		{golddomain.MetricStorePerformance, rows.perf},
	} {
		err := s.db.WithContext(ctx).Exec(`
			INSERT INTO gold_refreshes (metric, last_refreshed_at, row_count, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (metric) DO UPDATE
			SET last_refreshed_at = excluded.last_refreshed_at,
			    row_count = excluded.row_count,
			    updated_at = excluded.updated_at`,
			entry.metric, now, entry.rows, now,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Freshness reports the age of the oldest row each stage has not yet covered.
// A fully caught-up stage reports zero lag regardless of when it last ran.
func (s *Service) Freshness(ctx context.Context) (golddomain.FreshnessReport, error) {
	cfg := s.pipeline.Current()
	now := s.clock.Now()

	silverMark, err := s.watermark.Get(ctx, watermark.StageSilver)
	if err != nil {
		return golddomain.FreshnessReport{}, err
	}
	goldMark, err := s.watermark.Get(ctx, watermark.StageGold)
	if err != nil {
		return golddomain.FreshnessReport{}, err
	}

	silverLag, err := s.stageLag(ctx, now,
		`SELECT MIN(ingested_at) FROM bronze_events WHERE ingested_at > ?`, silverMark)
	if err != nil {
		return golddomain.FreshnessReport{}, err
	}
	goldLag, err := s.stageLag(ctx, now,
		`SELECT MIN(processed_at) FROM silver_transactions WHERE processed_at > ?`, goldMark)
	if err != nil {
		return golddomain.FreshnessReport{}, err
	}

	report := golddomain.FreshnessReport{
		Silver: stageFreshness("silver", silverLag, cfg.SilverSLA),
		Gold:   stageFreshness("gold", goldLag, cfg.GoldSLA),
	}
	if s.metrics != nil {
		s.metrics.SetFreshnessLag("silver", silverLag.Seconds())
		s.metrics.SetFreshnessLag("gold", goldLag.Seconds())
	}
	return report, nil
}

func (s *Service) stageLag(ctx context.Context, now time.Time, query string, mark time.Time) (time.Duration, error) {
	var oldest sql.NullTime
	if err := s.db.WithContext(ctx).Raw(query, mark).Scan(&oldest).Error; err != nil {
		return 0, err
	}
	if !oldest.Valid {
		return 0, nil
	}
	lag := now.Sub(oldest.Time.UTC())
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

func stageFreshness(stage string, lag time.Duration, bound time.Duration) golddomain.StageFreshness {
	status := golddomain.SLAOK
	if lag > bound {
		status = golddomain.SLABreached
	}
	return golddomain.StageFreshness{
		Stage:      stage,
		LagSeconds: lag.Seconds(),
		Bound:      bound.String(),
		Status:     status,
	}
}
