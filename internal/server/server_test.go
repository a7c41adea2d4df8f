package server

import (
	"bytes"
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
	silverdomain "github.com/scoutlabs/medallion/internal/silver/domain"
	"github.com/scoutlabs/medallion/internal/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupServer(t *testing.T) (*Server, *gorm.DB) {
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

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	log := zap.NewNop()
	fake := clockpkg.NewFakeClock(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticPipelineConfigHolder(config.DefaultPipelineConfig())
	marks := watermark.NewService(watermark.ServiceParam{DB: db, Log: log})

	ingestSvc := ingestservice.NewService(ingestservice.ServiceParam{DB: db, Log: log, GenID: node})
	catalogSvc := catalogservice.NewService(catalogservice.ServiceParam{
		DB: db, Log: log, Clock: fake, Pipeline: holder,
	})
	goldSvc := goldservice.NewService(goldservice.ServiceParam{
		DB: db, Log: log, Clock: fake, Watermark: marks, Pipeline: holder,
	})

	cfg := config.Config{AppName: "medallion", AppVersion: "test", Environment: "test", HTTPAddr: ":0"}
	srv := NewServer(ServerParams{
		Config:     cfg,
		Pipeline:   holder,
		DB:         db,
		Log:        log,
		IngestSvc:  ingestSvc,
		CatalogSvc: catalogSvc,
		GoldSvc:    goldSvc,
		Watermark:  marks,
	})
	return srv, db
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	return w
}

const eventBody = `{"transaction_id":"TXN00000001","store_id":"STR000001","payment_method":"gcash","items":[{"product_ref":"Alaska Evap 370ml","quantity":2,"unit_price":32.5}],"total":65}`

func TestIngestEvent_CreatedThenDuplicate(t *testing.T) {
	srv, db := setupServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/events", eventBody)
	assert.Equal(t, http.StatusCreated, w.Code)

	var first ingestdomain.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Accepted)

	w = doJSON(t, srv, http.MethodPost, "/v1/events", eventBody)
	assert.Equal(t, http.StatusOK, w.Code)

	var second ingestdomain.IngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Duplicate)

	var count int64
	require.NoError(t, db.Model(&ingestdomain.RawEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngestEvent_MissingTransactionID(t *testing.T) {
	srv, _ := setupServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/events",
		`{"store_id":"STR000001","items":[{"product_ref":"x","quantity":1,"unit_price":1}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
}

func TestIngestEvent_MalformedBody(t *testing.T) {
	srv, _ := setupServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestBatch_ReportsPerLineOutcome(t *testing.T) {
	srv, _ := setupServer(t)

	body := strings.Join([]string{
		`{"transaction_id":"TXN00000010","store_id":"STR000001","items":[{"product_ref":"Oishi","quantity":1,"unit_price":8}]}`,
		`not json at all`,
	}, "\n")

	w := doJSON(t, srv, http.MethodPost, "/v1/events/batch?source_file=drop.jsonl", body)
	assert.Equal(t, http.StatusOK, w.Code)

	var batch ingestdomain.BatchIngestResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Malformed)
	assert.Equal(t, "drop.jsonl", batch.SourceFile)
}

func TestIngestArchive_RejectsNonZipBody(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/archive", bytes.NewReader([]byte("not a zip")))
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEvents_FiltersAndValidates(t *testing.T) {
	srv, _ := setupServer(t)

	doJSON(t, srv, http.MethodPost, "/v1/events", eventBody)

	w := doJSON(t, srv, http.MethodGet, "/v1/events?store_id=STR000001", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp ingestdomain.ListEventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 1)

	w = doJSON(t, srv, http.MethodGet, "/v1/events?page_size=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPipelineStatus_ReportsCountsAndFreshness(t *testing.T) {
	srv, _ := setupServer(t)

	doJSON(t, srv, http.MethodPost, "/v1/events", eventBody)

	w := doJSON(t, srv, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.EqualValues(t, 1, status.Counts.BronzeEvents)
	assert.EqualValues(t, 0, status.Counts.SilverTransactions)
	assert.Nil(t, status.Watermarks[watermark.StageSilver])
	assert.Equal(t, "silver", status.Freshness.Silver.Stage)
	assert.Equal(t, "gold", status.Freshness.Gold.Stage)
	assert.InDelta(t, 0.95, status.Coverage.Target, 0.001)
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
