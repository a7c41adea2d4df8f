package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	golddomain "github.com/scoutlabs/medallion/internal/gold/domain"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"github.com/scoutlabs/medallion/internal/watermark"
)

type stageCounts struct {
	BronzeEvents       int64 `json:"bronze_events"`
	SilverTransactions int64 `json:"silver_transactions"`
	Quarantined        int64 `json:"quarantined"`
}

type coverageView struct {
	Linked int64   `json:"linked"`
	Total  int64   `json:"total"`
	Ratio  float64 `json:"ratio"`
	Target float64 `json:"target"`
}

type statusResponse struct {
	Counts     stageCounts                `json:"counts"`
	Watermarks map[string]*time.Time      `json:"watermarks"`
	Freshness  golddomain.FreshnessReport `json:"freshness"`
	Coverage   coverageView               `json:"coverage"`
}

// PipelineStatus reports row counts per layer, stage watermarks, freshness
// against the SLA bounds, and catalog link coverage.
func (s *Server) PipelineStatus(c *gin.Context) {
	ctx := c.Request.Context()

	var counts stageCounts
	if err := s.db.WithContext(ctx).Model(&ingestdomain.RawEvent{}).Count(&counts.BronzeEvents).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.db.WithContext(ctx).Model(&silverdomain.Transaction{}).Count(&counts.SilverTransactions).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.db.WithContext(ctx).Model(&silverdomain.TransformFailure{}).Count(&counts.Quarantined).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	marks := map[string]*time.Time{}
	for _, stage := range []string{watermark.StageSilver, watermark.StageGold} {
		mark, err := s.watermark.Get(ctx, stage)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if mark.IsZero() {
			marks[stage] = nil
		} else {
			value := mark
			marks[stage] = &value
		}
	}

	freshness, err := s.goldSvc.Freshness(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cfg := s.pipeline.Current()
	coverage, err := s.catalogSvc.Coverage(ctx, cfg.CoverageWindow)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Counts:     counts,
		Watermarks: marks,
		Freshness:  freshness,
		Coverage: coverageView{
			Linked: coverage.Linked,
			Total:  coverage.Total,
			Ratio:  coverage.Ratio,
			Target: cfg.CoverageTarget,
		},
	})
}
