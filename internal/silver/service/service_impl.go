package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"github.com/scoutlabs/medallion/internal/watermark"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Watermark watermark.Service
	Pipeline  *config.PipelineConfigHolder
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	watermark watermark.Service
	pipeline  *config.PipelineConfigHolder
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) silverdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("silver.service"),
		clock:     p.Clock,
		genID:     p.GenID,
		watermark: p.Watermark,
		pipeline:  p.Pipeline,
		metrics:   p.Metrics,
	}
}

// Transform pages bronze rows past the silver watermark in (ingested_at, id)
// order. The watermark itself keys on ingested_at alone, so it only moves past
// timestamps whose row group is fully written; a chunk boundary that splits a
// group of rows sharing one timestamp is carried by the in-run id cursor
// instead. A crash mid-page replays the page rather than skipping it.
func (s *Service) Transform(ctx context.Context) (silverdomain.TransformResult, error) {
	cfg := s.pipeline.Current()
	mark, err := s.watermark.Get(ctx, watermark.StageSilver)
	if err != nil {
		return silverdomain.TransformResult{}, err
	}

	result := silverdomain.TransformResult{Watermark: mark}
	cursorTS := mark
	var cursorID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var page []ingestdomain.RawEvent
		q := s.db.WithContext(ctx)
		if cursorID == 0 {
			q = q.Where("ingested_at > ?", cursorTS)
		} else {
			q = q.Where("ingested_at > ? OR (ingested_at = ? AND id > ?)", cursorTS, cursorTS, cursorID)
		}
		err := q.Order("ingested_at ASC, id ASC").
			Limit(cfg.ChunkSize).
			Find(&page).Error
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			// Drained on a chunk-aligned boundary; the cursor group is done.
			if cursorID != 0 {
				if err := s.advance(ctx, &result, cursorTS); err != nil {
					return result, err
				}
			}
			break
		}

		quarantined := 0
		for i := range page {
			row := &page[i]
			wasQuarantined, err := s.transformOne(ctx, row, cfg.Epsilon)
			if err != nil {
				// Storage failure: stop without advancing so the page replays.
				return result, fmt.Errorf("%w: %s", silverdomain.ErrTransformAborted, err.Error())
			}
			result.Scanned++
			if wasQuarantined {
				quarantined++
			} else {
				result.Upserted++
			}
		}
		result.Quarantined += quarantined
		if s.metrics != nil && quarantined > 0 {
			s.metrics.AddQuarantined(quarantined)
		}

		cursorTS = page[len(page)-1].IngestedAt.UTC()
		cursorID = page[len(page)-1].ID

		if len(page) < cfg.ChunkSize {
			if err := s.advance(ctx, &result, cursorTS); err != nil {
				return result, err
			}
			break
		}

		// A full page may have split a same-timestamp group at its boundary;
		// the watermark stops at the last timestamp known complete and the
		// cursor keeps the rest of the group in scope.
		if safe := lastCompleteTimestamp(page); !safe.IsZero() {
			if err := s.advance(ctx, &result, safe); err != nil {
				return result, err
			}
		}
	}

	if result.Scanned > 0 {
		s.log.Info("silver transform complete",
			zap.Int("scanned", result.Scanned),
			zap.Int("upserted", result.Upserted),
			zap.Int("quarantined", result.Quarantined),
			zap.Time("watermark", result.Watermark),
		)
	}
	return result, nil
}

func (s *Service) advance(ctx context.Context, result *silverdomain.TransformResult, key time.Time) error {
	advanced, err := s.watermark.Advance(ctx, watermark.StageSilver, key)
	if err != nil {
		return err
	}
	result.Watermark = key
	result.Advanced = result.Advanced || advanced
	return nil
}

// lastCompleteTimestamp returns the greatest ingested_at in the page strictly
// before the boundary row's, or zero when the whole page shares one timestamp.
func lastCompleteTimestamp(page []ingestdomain.RawEvent) time.Time {
	boundary := page[len(page)-1].IngestedAt
	for i := len(page) - 2; i >= 0; i-- {
		if page[i].IngestedAt.Before(boundary) {
			return page[i].IngestedAt.UTC()
		}
	}
	return time.Time{}
}

// transformOne cleans a single bronze row inside a short transaction. A
// validation failure quarantines the row; only storage errors propagate.
func (s *Service) transformOne(ctx context.Context, raw *ingestdomain.RawEvent, epsilon float64) (bool, error) {
	cleaned, reason, detail := s.clean(raw, epsilon)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reason != "" {
			return s.quarantine(tx, raw, reason, detail)
		}

		header := cleaned.header
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "transaction_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"store_id", "ts", "date_key", "time_of_day", "payment_method",
				"total_amount", "discount_amount", "tax_amount", "item_count",
				"processed_at", "updated_at",
			}),
		}).Create(header).Error
		if err != nil {
			return err
		}

		// Re-delivery replaces the whole line set so stale lines never linger.
		if err := tx.Where("transaction_id = ?", header.TransactionID).
			Delete(&silverdomain.LineItem{}).Error; err != nil {
			return err
		}
		return tx.Create(cleaned.lines).Error
	})
	if err != nil {
		return false, err
	}
	return reason != "", nil
}

func (s *Service) quarantine(tx *gorm.DB, raw *ingestdomain.RawEvent, reason, detail string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bronze_id"}},
		DoNothing: true,
	}).Create(&silverdomain.TransformFailure{
		ID:            s.genID.Generate(),
		BronzeID:      raw.ID,
		TransactionID: raw.TransactionID,
		Reason:        reason,
		Detail:        detail,
		QuarantinedAt: s.clock.Now(),
	}).Error
}

type cleanedEvent struct {
	header *silverdomain.Transaction
	lines  []*silverdomain.LineItem
}

// clean applies the typing and validation rules. A non-empty reason means the
// row goes to quarantine instead of silver.
func (s *Service) clean(raw *ingestdomain.RawEvent, epsilon float64) (cleanedEvent, string, string) {
	var input ingestdomain.RawEventInput
	if err := json.Unmarshal(raw.Payload, &input); err != nil {
		return cleanedEvent{}, silverdomain.ReasonBadPayload, err.Error()
	}
	input.Normalize()

	if len(input.Items) == 0 {
		return cleanedEvent{}, silverdomain.ReasonNoItems, "transaction has no line items"
	}

	now := s.clock.Now()
	ts := raw.CapturedAt.UTC()

	var lineSum float64
	lines := make([]*silverdomain.LineItem, 0, len(input.Items))
	for i, item := range input.Items {
		if item.Quantity < 1 {
			return cleanedEvent{}, silverdomain.ReasonBadAmount,
				fmt.Sprintf("item %d: quantity %d", i+1, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return cleanedEvent{}, silverdomain.ReasonBadAmount,
				fmt.Sprintf("item %d: unit price %.2f", i+1, item.UnitPrice)
		}
		net := round2(float64(item.Quantity) * item.UnitPrice)
		lineSum += net
		lines = append(lines, &silverdomain.LineItem{
			ID:            s.genID.Generate(),
			TransactionID: raw.TransactionID,
			ItemSeq:       i + 1,
			ProductRef:    item.ProductRef,
			Quantity:      item.Quantity,
			UnitPrice:     round2(item.UnitPrice),
			NetAmount:     net,
			CreatedAt:     now,
		})
	}
	lineSum = round2(lineSum)

	total := lineSum
	if input.Total != nil {
		total = round2(*input.Total)
		if math.Abs(total-lineSum) > epsilon {
			return cleanedEvent{}, silverdomain.ReasonTotalMismatch,
				fmt.Sprintf("stated total %.2f, line sum %.2f", total, lineSum)
		}
	}
	if input.Discount < 0 || input.Tax < 0 {
		return cleanedEvent{}, silverdomain.ReasonBadAmount, "negative discount or tax"
	}

	header := &silverdomain.Transaction{
		ID:             s.genID.Generate(),
		TransactionID:  raw.TransactionID,
		StoreID:        raw.StoreID,
		TS:             ts,
		DateKey:        ts.Format("2006-01-02"),
		TimeOfDay:      timeOfDay(ts),
		PaymentMethod:  normalizePayment(input.PaymentMethod),
		TotalAmount:    total,
		DiscountAmount: round2(input.Discount),
		TaxAmount:      round2(input.Tax),
		ItemCount:      len(lines),
		ProcessedAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return cleanedEvent{header: header, lines: lines}, "", ""
}

func timeOfDay(ts time.Time) string {
	switch hour := ts.Hour(); {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

func normalizePayment(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "cash":
		return "cash"
	case "gcash", "g-cash":
		return "gcash"
	case "maya", "paymaya":
		return "maya"
	case "card", "credit_card", "debit_card", "credit", "debit":
		return "card"
	default:
		return "unknown"
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
