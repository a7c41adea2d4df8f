package service

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ingestdomain.RawEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	}).(*Service)
	return svc, db
}

func validInput(txnID string) ingestdomain.RawEventInput {
	total := 65.0
	return ingestdomain.RawEventInput{
		TransactionID: txnID,
		StoreID:       "STR000001",
		DeviceID:      "pos-01",
		Timestamp:     "2026-08-30T09:15:00Z",
		PaymentMethod: "gcash",
		Items: []ingestdomain.LineItemInput{
			{ProductRef: "Alaska Evap 370ml", Quantity: 2, UnitPrice: 32.5},
		},
		Total: &total,
	}
}

func TestIngest_AcceptsAndDeduplicates(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, validInput("TXN00000001"))
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.False(t, first.Duplicate)

	second, err := svc.Ingest(ctx, validInput("TXN00000001"))
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.Duplicate)

	var count int64
	require.NoError(t, db.Model(&ingestdomain.RawEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestIngest_LegacyAliases(t *testing.T) {
	svc, db := setupService(t)

	input := validInput("")
	input.AltID = "TXN00000042"
	input.Items[0].UnitPrice = 0
	input.Items[0].AltPrice = 32.5

	result, err := svc.Ingest(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "TXN00000042", result.TransactionID)

	var stored ingestdomain.RawEvent
	require.NoError(t, db.First(&stored, "transaction_id = ?", "TXN00000042").Error)
	assert.Contains(t, string(stored.Payload), `"unit_price":32.5`)
}

func TestIngest_MissingTransactionID(t *testing.T) {
	svc, _ := setupService(t)

	input := validInput("")
	_, err := svc.Ingest(context.Background(), input)
	assert.ErrorIs(t, err, ingestdomain.ErrMissingTransactionID)
}

func TestIngest_MissingItemsRejected(t *testing.T) {
	svc, _ := setupService(t)

	input := validInput("TXN00000002")
	input.Items = nil
	_, err := svc.Ingest(context.Background(), input)
	assert.ErrorIs(t, err, ingestdomain.ErrMalformedInput)
}

func TestIngest_TimestampFallsBackToIngestionTime(t *testing.T) {
	svc, db := setupService(t)

	input := validInput("TXN00000003")
	input.Timestamp = "not-a-timestamp"

	before := time.Now().UTC()
	_, err := svc.Ingest(context.Background(), input)
	require.NoError(t, err)

	var stored ingestdomain.RawEvent
	require.NoError(t, db.First(&stored, "transaction_id = ?", "TXN00000003").Error)
	assert.False(t, stored.CapturedAt.Before(before.Add(-time.Second)))
	assert.Equal(t, stored.IngestedAt.Unix(), stored.CapturedAt.Unix())
}

func TestIngestBatch_MalformedLinesDoNotAbort(t *testing.T) {
	svc, _ := setupService(t)

	lines := strings.Join([]string{
		`{"transaction_id":"TXN00000010","store_id":"STR000001","items":[{"product_ref":"Oishi Prawn Crackers","quantity":1,"unit_price":8}]}`,
		`{this is not json`,
		`{"transaction_id":"TXN00000010","store_id":"STR000001","items":[{"product_ref":"Oishi Prawn Crackers","quantity":1,"unit_price":8}]}`,
		`{"store_id":"STR000001","items":[{"product_ref":"x","quantity":1,"unit_price":1}]}`,
	}, "\n")

	batch, err := svc.IngestBatch(context.Background(), strings.NewReader(lines), "drop-2026-08-30.jsonl")
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Accepted)
	assert.Equal(t, 1, batch.Duplicates)
	assert.Equal(t, 2, batch.Malformed)
	assert.NotEmpty(t, batch.BatchID)
	assert.Len(t, batch.Results, 4)
}

func TestIngestArchive_ProcessesEveryEntry(t *testing.T) {
	svc, db := setupService(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("store1/events.jsonl")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"transaction_id":"TXN00000020","store_id":"STR000001","items":[{"product_ref":"Bear Brand 33g","quantity":3,"unit_price":12}]}`))
	require.NoError(t, err)

	w, err = zw.Create("store2/events.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"transaction_id":"TXN00000021","store_id":"STR000002","items":[{"product_ref":"Del Monte Ketchup 320g","quantity":1,"unit_price":45}]}`))
	require.NoError(t, err)

	w, err = zw.Create("notes/readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("ignore me"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	result, err := svc.IngestArchive(context.Background(), zr)
	require.NoError(t, err)
	assert.Len(t, result.Files, 2)

	var count int64
	require.NoError(t, db.Model(&ingestdomain.RawEvent{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestIngestArchive_ParsesCSVEntries(t *testing.T) {
	svc, db := setupService(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("store3/transactions.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Join([]string{
		"transaction_id,store_id,transaction_ts,payment_method,product_ref,quantity,unit_price,basket_total",
		"TXN00000060,STR000003,2026-08-30T09:15:00Z,cash,Alaska Evap 370ml,2,32.50,97.50",
		"TXN00000060,STR000003,2026-08-30T09:15:00Z,cash,Oishi Prawn Crackers 60g,1,32.50,97.50",
		"TXN00000061,STR000003,2026-08-30T09:20:00Z,gcash,Winston Red,1,145.00,145.00",
		"TXN00000062,STR000003,2026-08-30T09:25:00Z,cash,Mystery,zero,abc,",
	}, "\n")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	result, err := svc.IngestArchive(context.Background(), zr)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, 2, result.Files[0].Batch.Accepted)
	assert.Equal(t, 1, result.Files[0].Batch.Malformed)

	// Both rows of the basket fold into one bronze event.
	var stored ingestdomain.RawEvent
	require.NoError(t, db.First(&stored, "transaction_id = ?", "TXN00000060").Error)
	assert.Contains(t, string(stored.Payload), "Alaska Evap 370ml")
	assert.Contains(t, string(stored.Payload), "Oishi Prawn Crackers 60g")
	assert.Equal(t, "store3/transactions.csv", stored.SourceFile)

	var count int64
	require.NoError(t, db.Model(&ingestdomain.RawEvent{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestIngest_RejectionsAreCounted(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ingestdomain.RawEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Metrics: obsmetrics.New(reg),
	}).(*Service)
	ctx := context.Background()

	_, err = svc.Ingest(ctx, validInput(""))
	require.ErrorIs(t, err, ingestdomain.ErrMissingTransactionID)

	input := validInput("TXN00000070")
	input.Items = nil
	_, err = svc.Ingest(ctx, input)
	require.ErrorIs(t, err, ingestdomain.ErrMalformedInput)

	families, err := reg.Gather()
	require.NoError(t, err)

	rejected := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "medallion_ingest_events_rejected_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" {
					rejected[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.InDelta(t, 1, rejected["missing_transaction_id"], 0.001)
	assert.InDelta(t, 1, rejected["malformed_input"], 0.001)
}

func TestList_FiltersByStoreAndPages(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	for _, txn := range []string{"TXN00000030", "TXN00000031", "TXN00000032"} {
		input := validInput(txn)
		_, err := svc.Ingest(ctx, input)
		require.NoError(t, err)
	}
	other := validInput("TXN00000033")
	other.StoreID = "STR000099"
	_, err := svc.Ingest(ctx, other)
	require.NoError(t, err)

	resp, err := svc.List(ctx, ingestdomain.ListEventsRequest{StoreID: "STR000001", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 2)
	assert.True(t, resp.HasMore)
	assert.NotEmpty(t, resp.NextPageToken)

	all, err := svc.List(ctx, ingestdomain.ListEventsRequest{StoreID: "STR000001", PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, all.Events, 3)
	assert.False(t, all.HasMore)
}
