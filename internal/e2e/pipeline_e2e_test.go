package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/scoutlabs/medallion/internal/catalog/domain"
	catalogservice "github.com/scoutlabs/medallion/internal/catalog/service"
	clockpkg "github.com/scoutlabs/medallion/internal/clock"
	"github.com/scoutlabs/medallion/internal/config"
	golddomain "github.com/scoutlabs/medallion/internal/gold/domain"
	goldservice "github.com/scoutlabs/medallion/internal/gold/service"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	ingestservice "github.com/scoutlabs/medallion/internal/ingest/service"
	"github.com/scoutlabs/medallion/internal/pipeline"
	"github.com/scoutlabs/medallion/internal/server"
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	silverservice "github.com/scoutlabs/medallion/internal/silver/service"
	"github.com/scoutlabs/medallion/internal/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stack struct {
	srv    *server.Server
	runner *pipeline.Runner
	db     *gorm.DB
	clock  *clockpkg.FakeClock
}

func newStack(t *testing.T) *stack {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ingestdomain.RawEvent{},
		&silverdomain.Transaction{},
		&silverdomain.LineItem{},
		&silverdomain.TransformFailure{},
		&catalogdomain.Product{},
		&catalogdomain.ProductAlias{},
		&golddomain.DailySales{},
		&golddomain.BrandMix{},
		&golddomain.StorePerformance{},
		&golddomain.Refresh{},
		&watermark.Mark{},
	))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clockpkg.NewFakeClock(time.Now().UTC().Add(time.Hour))
	holder := config.NewStaticPipelineConfigHolder(config.DefaultPipelineConfig())
	marks := watermark.NewService(watermark.ServiceParam{DB: db, Log: log})

	ingestSvc := ingestservice.NewService(ingestservice.ServiceParam{DB: db, Log: log, GenID: node})
	silverSvc := silverservice.NewService(silverservice.ServiceParam{
		DB: db, Log: log, Clock: fake, GenID: node, Watermark: marks, Pipeline: holder,
	})
	catalogSvc := catalogservice.NewService(catalogservice.ServiceParam{
		DB: db, Log: log, Clock: fake, Pipeline: holder,
	})
	goldSvc := goldservice.NewService(goldservice.ServiceParam{
		DB: db, Log: log, Clock: fake, Watermark: marks, Pipeline: holder,
	})

	runner, err := pipeline.New(pipeline.Params{
		Log: log, Clock: fake, Pipeline: holder,
		SilverSvc: silverSvc, CatalogSvc: catalogSvc, GoldSvc: goldSvc,
	})
	require.NoError(t, err)

	srv := server.NewServer(server.ServerParams{
		Config:     config.Config{AppName: "medallion", AppVersion: "e2e", Environment: "test", HTTPAddr: ":0"},
		Pipeline:   holder,
		DB:         db,
		Log:        log,
		IngestSvc:  ingestSvc,
		CatalogSvc: catalogSvc,
		GoldSvc:    goldSvc,
		Watermark:  marks,
	})

	return &stack{srv: srv, runner: runner, db: db, clock: fake}
}

func (s *stack) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.srv.Engine().ServeHTTP(w, req)
	return w
}

// A transaction delivered once as a single event, again inside a batch, and
// once more on its own must surface exactly once in every layer.
func TestDuplicateDeliveryNeverDoubleCounts(t *testing.T) {
	s := newStack(t)

	require.NoError(t, s.db.Create(&catalogdomain.Product{
		ProductID: "P-LUCKYME-PANCIT", ProductName: "Lucky Me Pancit Canton", ProductKey: "lucky-me-pancit-canton",
		Brand: "Lucky Me", Category: "Noodles", IsActive: true,
	}).Error)

	event := `{"transaction_id":"TXN00000077","store_id":"STR000007","payment_method":"cash","items":[{"product_ref":"Lucky Me Pancit Canton 60g","quantity":2,"unit_price":13},{"product_ref":"Mystery Candy","quantity":1,"unit_price":1}],"total":27}`

	w := s.post(t, "/v1/events", event)
	require.Equal(t, http.StatusCreated, w.Code)

	batch := event + "\n" +
		`{"transaction_id":"TXN00000078","store_id":"STR000007","items":[{"product_ref":"Lucky Me Pancit Canton 60g","quantity":1,"unit_price":13}]}`
	w = s.post(t, "/v1/events/batch?source_file=replay.jsonl", batch)
	require.Equal(t, http.StatusOK, w.Code)

	var batchResult ingestdomain.BatchIngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batchResult))
	assert.Equal(t, 1, batchResult.Accepted)
	assert.Equal(t, 1, batchResult.Duplicates)

	w = s.post(t, "/v1/events", event)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, s.runner.RunOnce(context.Background()))
	// A second pipeline pass over the same data must change nothing.
	require.NoError(t, s.runner.RunOnce(context.Background()))

	var bronzeCount, silverCount int64
	require.NoError(t, s.db.Model(&ingestdomain.RawEvent{}).Count(&bronzeCount).Error)
	require.NoError(t, s.db.Model(&silverdomain.Transaction{}).Count(&silverCount).Error)
	assert.EqualValues(t, 2, bronzeCount)
	assert.EqualValues(t, 2, silverCount)

	var daily golddomain.DailySales
	require.NoError(t, s.db.First(&daily, "store_id = ?", "STR000007").Error)
	assert.InDelta(t, 40, daily.Revenue, 0.001)
	assert.EqualValues(t, 2, daily.TransactionCount)

	var mix []golddomain.BrandMix
	require.NoError(t, s.db.Order("brand").Find(&mix).Error)
	require.Len(t, mix, 2)
	assert.Equal(t, "Lucky Me", mix[0].Brand)
	assert.InDelta(t, 39, mix[0].Revenue, 0.001)
	assert.Equal(t, "unknown", mix[1].Brand)
	assert.InDelta(t, 1, mix[1].Revenue, 0.001)
}
