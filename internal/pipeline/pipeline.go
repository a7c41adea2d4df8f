// Package pipeline drives the medallion stages on a fixed interval. Each
// stage runs under a short lease so only one worker advances a given stage
// at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	catalogdomain "github.com/scoutlabs/medallion/internal/catalog/domain"
	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	golddomain "github.com/scoutlabs/medallion/internal/gold/domain"
	"github.com/scoutlabs/medallion/internal/lease"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSilverTransform = "silver_transform"
	JobCatalogLink     = "catalog_link"
	JobGoldRefresh     = "gold_refresh"
	JobSLAEvaluation   = "sla_evaluation"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Pipeline   *config.PipelineConfigHolder
	SilverSvc  silverdomain.Service
	CatalogSvc catalogdomain.Service
	GoldSvc    golddomain.Service
	Lessor     *lease.Lessor       `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Runner struct {
	log        *zap.Logger
	clock      clock.Clock
	pipeline   *config.PipelineConfigHolder
	silverSvc  silverdomain.Service
	catalogSvc catalogdomain.Service
	goldSvc    golddomain.Service
	lessor     *lease.Lessor
	metrics    *obsmetrics.Metrics
}

var ErrInvalidConfig = errors.New("pipeline runner is missing a dependency")

func New(p Params) (*Runner, error) {
	if p.Log == nil || p.Clock == nil || p.SilverSvc == nil || p.CatalogSvc == nil || p.GoldSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Runner{
		log:        p.Log.Named("pipeline").With(zap.String("component", "pipeline")),
		clock:      p.Clock,
		pipeline:   p.Pipeline,
		silverSvc:  p.SilverSvc,
		catalogSvc: p.CatalogSvc,
		goldSvc:    p.GoldSvc,
		lessor:     p.Lessor,
		metrics:    p.Metrics,
	}, nil
}

// runJob wraps one stage run with a lease, a timeout, and bookkeeping. A
// deadline hit is a soft timeout: the stage picks up where its watermark
// left off on the next tick.
func (r *Runner) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := r.log.With(
		zap.String("job", name),
		zap.String("run_id", uuid.NewString()),
	)

	token, acquired, err := r.lessor.Acquire(ctx, name, timeout+5*time.Second)
	if err != nil {
		log.Warn("lease acquire failed", zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	if !acquired {
		log.Debug("lease held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := r.lessor.Release(context.WithoutCancel(ctx), name, token); err != nil {
			log.Warn("lease release failed", zap.Error(err))
		}
	}()

	err = fn(ctx)
	if r.metrics != nil {
		r.metrics.ObserveJobDuration(name, time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}

	if r.metrics != nil {
		r.metrics.IncJobError(name)
	}
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (r *Runner) RunOnce(parent context.Context) error {
	cfg := r.pipeline.Current()
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobSilverTransform, func(ctx context.Context) error {
			return r.runJob(ctx, JobSilverTransform, cfg.JobTimeout, r.SilverTransformJob)
		}},
		{JobCatalogLink, func(ctx context.Context) error {
			return r.runJob(ctx, JobCatalogLink, cfg.JobTimeout, r.CatalogLinkJob)
		}},
		{JobGoldRefresh, func(ctx context.Context) error {
			return r.runJob(ctx, JobGoldRefresh, cfg.JobTimeout, r.GoldRefreshJob)
		}},
		{JobSLAEvaluation, func(ctx context.Context) error {
			return r.runJob(ctx, JobSLAEvaluation, cfg.JobTimeout, r.SLAEvaluationJob)
		}},
	}

	for _, job := range jobs {
		if r.isJobEnabled(cfg, job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (r *Runner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.pipeline.Current().RunInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("pipeline run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// If EnabledJobs is empty, every job runs (monolith mode). Workers scope
// themselves down through pipeline.yml.
func (r *Runner) isJobEnabled(cfg config.PipelineConfig, jobName string) bool {
	if len(cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (r *Runner) SilverTransformJob(ctx context.Context) error {
	result, err := r.silverSvc.Transform(ctx)
	if err != nil {
		return err
	}
	if result.Quarantined > 0 {
		r.log.Warn("silver transform quarantined rows", zap.Int("count", result.Quarantined))
	}
	return nil
}

func (r *Runner) CatalogLinkJob(ctx context.Context) error {
	result, err := r.catalogSvc.LinkBatch(ctx)
	if err != nil {
		return err
	}
	if result.Unmatched > 0 {
		// Unmatched items need a catalog change, not a retry.
		r.log.Warn("catalog link left unmatched items", zap.Int("count", result.Unmatched))
	}
	return nil
}

func (r *Runner) GoldRefreshJob(ctx context.Context) error {
	result, err := r.goldSvc.Refresh(ctx)
	if err != nil {
		return err
	}
	if result.SLAStatus == golddomain.SLABreached {
		r.log.Warn("gold refresh breached freshness bound",
			zap.Float64("lag_seconds", result.LagSeconds),
		)
	}
	return nil
}

// SLAEvaluationJob publishes stage freshness and link coverage, and logs when
// either falls outside its target.
func (r *Runner) SLAEvaluationJob(ctx context.Context) error {
	cfg := r.pipeline.Current()

	report, err := r.goldSvc.Freshness(ctx)
	if err != nil {
		return err
	}
	for _, stage := range []golddomain.StageFreshness{report.Silver, report.Gold} {
		if stage.Status == golddomain.SLABreached {
			r.log.Warn("stage freshness breached",
				zap.String("stage", stage.Stage),
				zap.Float64("lag_seconds", stage.LagSeconds),
				zap.String("bound", stage.Bound),
			)
		}
	}

	coverage, err := r.catalogSvc.Coverage(ctx, cfg.CoverageWindow)
	if err != nil {
		return err
	}
	if coverage.Total > 0 && coverage.Ratio < cfg.CoverageTarget {
		r.log.Warn("catalog coverage below target",
			zap.Float64("ratio", coverage.Ratio),
			zap.Float64("target", cfg.CoverageTarget),
		)
	}
	return nil
}
