package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/scoutlabs/medallion/internal/catalog/domain"
	"github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Pipeline *config.PipelineConfigHolder
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	pipeline *config.PipelineConfigHolder
	metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("catalog.service"),
		clock:    p.Clock,
		pipeline: p.Pipeline,
		metrics:  p.Metrics,
	}
}

// matcher is an in-memory view of the catalog built once per batch. The
// catalog is small relative to the line item volume, so a full load beats a
// per-item lookup.
type matcher struct {
	byID    map[string]*catalogdomain.Product
	byAlias map[string]string
	byKey   map[string]string
	keys    []string
}

func (s *Service) loadMatcher(ctx context.Context) (*matcher, error) {
	var products []catalogdomain.Product
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&products).Error; err != nil {
		return nil, err
	}
	var aliases []catalogdomain.ProductAlias
	if err := s.db.WithContext(ctx).Find(&aliases).Error; err != nil {
		return nil, err
	}

	m := &matcher{
		byID:    make(map[string]*catalogdomain.Product, len(products)),
		byAlias: make(map[string]string, len(aliases)),
		byKey:   make(map[string]string, len(products)),
	}
	for i := range products {
		p := &products[i]
		m.byID[p.ProductID] = p
		m.byKey[p.ProductKey] = p.ProductID
		m.keys = append(m.keys, p.ProductKey)
	}
	for _, a := range aliases {
		m.byAlias[a.AliasKey] = a.ProductID
	}
	return m, nil
}

// resolve maps a raw product reference to a catalog product id. Resolution
// order: exact id, alias table, slug equality, then token containment.
func (m *matcher) resolve(ref string) (string, string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", false
	}

	if p, ok := m.byID[ref]; ok {
		return p.ProductID, p.ProductKey, true
	}

	key := slug.Make(ref)
	if id, ok := m.byAlias[key]; ok {
		if p, found := m.byID[id]; found {
			return p.ProductID, p.ProductKey, true
		}
	}
	if id, ok := m.byKey[key]; ok {
		return id, key, true
	}

	refTokens := strings.Split(key, "-")
	for _, candidate := range m.keys {
		if containsAllTokens(refTokens, strings.Split(candidate, "-")) {
			return m.byKey[candidate], candidate, true
		}
	}
	return "", "", false
}

// containsAllTokens reports whether every catalog key token appears among the
// reference tokens. "alaska-evap-370ml" matches the key "alaska-evap".
func containsAllTokens(refTokens, keyTokens []string) bool {
	if len(keyTokens) == 0 {
		return false
	}
	set := make(map[string]bool, len(refTokens))
	for _, token := range refTokens {
		set[token] = true
	}
	for _, token := range keyTokens {
		if !set[token] {
			return false
		}
	}
	return true
}

// LinkBatch attempts every unlinked line item once, paging by (created_at, id)
// so a backlog of unresolvable items at the head never shadows newer items
// that the catalog can now match.
func (s *Service) LinkBatch(ctx context.Context) (catalogdomain.LinkResult, error) {
	cfg := s.pipeline.Current()

	m, err := s.loadMatcher(ctx)
	if err != nil {
		return catalogdomain.LinkResult{}, err
	}

	var result catalogdomain.LinkResult
	now := s.clock.Now()

	var cursorAt time.Time
	var cursorID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		q := s.db.WithContext(ctx).Where("product_id IS NULL")
		if cursorID != 0 {
			q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", cursorAt, cursorAt, cursorID)
		}
		var items []silverdomain.LineItem
		err := q.Order("created_at ASC, id ASC").
			Limit(cfg.LinkBatchSize).
			Find(&items).Error
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}

		result.Scanned += len(items)
		for i := range items {
			item := &items[i]
			productID, productKey, ok := m.resolve(item.ProductRef)
			if !ok {
				result.Unmatched++
				continue
			}

			// Guarded update: a concurrent linker run must not flip an
			// already-linked row.
			update := s.db.WithContext(ctx).
				Model(&silverdomain.LineItem{}).
				Where("id = ? AND product_id IS NULL", item.ID).
				Updates(map[string]interface{}{
					"product_id":  productID,
					"product_key": productKey,
					"linked_at":   now,
				})
			if update.Error != nil {
				return result, update.Error
			}
			if update.RowsAffected > 0 {
				result.Linked++
			}
		}

		cursorAt = items[len(items)-1].CreatedAt
		cursorID = items[len(items)-1].ID
		if len(items) < cfg.LinkBatchSize {
			break
		}
	}

	if result.Scanned > 0 {
		s.log.Info("catalog link batch complete",
			zap.Int("scanned", result.Scanned),
			zap.Int("linked", result.Linked),
			zap.Int("unmatched", result.Unmatched),
		)
	}
	return result, nil
}

func (s *Service) Coverage(ctx context.Context, window time.Duration) (catalogdomain.CoverageResult, error) {
	since := s.clock.Now().Add(-window)

	var total, linked int64
	err := s.db.WithContext(ctx).
		Model(&silverdomain.LineItem{}).
		Where("created_at >= ?", since).
		Count(&total).Error
	if err != nil {
		return catalogdomain.CoverageResult{}, err
	}
	err = s.db.WithContext(ctx).
		Model(&silverdomain.LineItem{}).
		Where("created_at >= ? AND product_id IS NOT NULL", since).
		Count(&linked).Error
	if err != nil {
		return catalogdomain.CoverageResult{}, err
	}

	result := catalogdomain.CoverageResult{Linked: linked, Total: total}
	if total > 0 {
		result.Ratio = float64(linked) / float64(total)
	} else {
		result.Ratio = 1
	}
	if s.metrics != nil {
		s.metrics.SetLinkCoverage(result.Ratio)
	}
	return result, nil
}

func (s *Service) UpsertProduct(ctx context.Context, product *catalogdomain.Product) error {
	if product.ProductKey == "" {
		product.ProductKey = slug.Make(product.ProductName)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"product_name", "product_key", "brand", "category", "srp", "is_active",
		}),
	}).Create(product).Error
}

func (s *Service) AddAlias(ctx context.Context, aliasKey, productID string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alias_key"}},
		DoNothing: true,
	}).Create(&catalogdomain.ProductAlias{
		AliasKey:  slug.Make(aliasKey),
		ProductID: productID,
	}).Error
}
