package service

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	ingestdomain "github.com/scoutlabs/medallion/internal/ingest/domain"
	obsmetrics "github.com/scoutlabs/medallion/internal/observability/metrics"
	"github.com/scoutlabs/medallion/pkg/db"
	"github.com/scoutlabs/medallion/pkg/db/option"
	"github.com/scoutlabs/medallion/pkg/db/pagination"
	"github.com/scoutlabs/medallion/pkg/repository"
	"github.com/sony/gobreaker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxBatchLineBytes   = 1 << 20
	archiveFileParallel = 4
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	rawrepo repository.Repository[ingestdomain.RawEvent]
	metrics *obsmetrics.Metrics

	validate *validator.Validate
	breaker  *gobreaker.CircuitBreaker
	entropy  io.Reader
	mu       sync.Mutex
}

func NewService(p ServiceParam) ingestdomain.Service {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bronze-sink",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("ingest.service"),
		genID:    p.GenID,
		rawrepo:  repository.ProvideStore[ingestdomain.RawEvent](p.DB),
		metrics:  p.Metrics,
		validate: validator.New(),
		breaker:  breaker,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Service) Ingest(ctx context.Context, req ingestdomain.RawEventInput) (ingestdomain.IngestResult, error) {
	req.Normalize()

	if req.TransactionID == "" {
		if s.metrics != nil {
			s.metrics.IncIngestRejected("missing_transaction_id")
		}
		return ingestdomain.IngestResult{}, ingestdomain.ErrMissingTransactionID
	}
	if err := s.validate.Struct(req); err != nil {
		if s.metrics != nil {
			s.metrics.IncIngestRejected("malformed_input")
		}
		return ingestdomain.IngestResult{}, fmt.Errorf("%w: %s", ingestdomain.ErrMalformedInput, err.Error())
	}

	now := time.Now().UTC()
	capturedAt := parseTimestamp(req.Timestamp, now)

	payload, err := json.Marshal(req)
	if err != nil {
		return ingestdomain.IngestResult{}, fmt.Errorf("%w: encode payload", ingestdomain.ErrMalformedInput)
	}

	record := &ingestdomain.RawEvent{
		ID:            s.genID.Generate(),
		TransactionID: req.TransactionID,
		StoreID:       req.StoreID,
		DeviceID:      req.DeviceID,
		CapturedAt:    capturedAt,
		IngestedAt:    now,
		SourceFile:    req.SourceFile,
		Payload:       datatypes.JSON(payload),
		CreatedAt:     now,
	}

	inserted, err := s.insertRawEvent(ctx, record)
	if err != nil {
		return ingestdomain.IngestResult{}, err
	}

	result := ingestdomain.IngestResult{
		TransactionID: req.TransactionID,
		Accepted:      inserted,
		Duplicate:     !inserted,
	}
	if s.metrics != nil {
		if inserted {
			s.metrics.IncIngestAccepted(req.StoreID)
		} else {
			s.metrics.IncIngestDuplicate(req.StoreID)
		}
	}
	return result, nil
}

// insertRawEvent appends to bronze with write-once semantics at the storage
// boundary. Zero rows affected means the transaction was seen before.
func (s *Service) insertRawEvent(ctx context.Context, record *ingestdomain.RawEvent) (bool, error) {
	inserted, err := s.breaker.Execute(func() (interface{}, error) {
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "transaction_id"}},
				DoNothing: true,
			}).
			Create(record)
		if result.Error != nil {
			if db.IsDuplicateKeyErr(result.Error) {
				return false, nil
			}
			return false, result.Error
		}
		return result.RowsAffected > 0, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, fmt.Errorf("%w: bronze sink circuit open", ingestdomain.ErrStorageUnavailable)
		}
		s.log.Warn("bronze insert failed", zap.String("transaction_id", record.TransactionID), zap.Error(err))
		return false, fmt.Errorf("%w: %s", ingestdomain.ErrStorageUnavailable, err.Error())
	}
	return inserted.(bool), nil
}

func (s *Service) IngestBatch(ctx context.Context, r io.Reader, sourceFile string) (ingestdomain.BatchIngestResult, error) {
	batch := ingestdomain.BatchIngestResult{
		BatchID:    s.newBatchID(),
		SourceFile: sourceFile,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxBatchLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var input ingestdomain.RawEventInput
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			batch.Malformed++
			batch.Results = append(batch.Results, ingestdomain.IngestResult{
				Reason: fmt.Sprintf("line %d: malformed_json", line),
			})
			continue
		}
		input.SourceFile = sourceFile

		result, err := s.Ingest(ctx, input)
		if err != nil {
			if errors.Is(err, ingestdomain.ErrStorageUnavailable) {
				// Batch-wide failure: nothing else can land either.
				return batch, err
			}
			batch.Malformed++
			batch.Results = append(batch.Results, ingestdomain.IngestResult{
				TransactionID: input.TransactionID,
				Reason:        err.Error(),
			})
			continue
		}

		if result.Duplicate {
			batch.Duplicates++
		} else {
			batch.Accepted++
		}
		batch.Results = append(batch.Results, result)
	}
	if err := scanner.Err(); err != nil {
		return batch, fmt.Errorf("%w: read batch: %s", ingestdomain.ErrMalformedInput, err.Error())
	}

	s.log.Info("batch ingested",
		zap.String("batch_id", batch.BatchID),
		zap.String("source_file", sourceFile),
		zap.Int("accepted", batch.Accepted),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("malformed", batch.Malformed),
	)
	return batch, nil
}

// IngestArchive processes every JSON/JSONL/CSV file inside the bundle
// independently; one unreadable file does not abort the rest.
func (s *Service) IngestArchive(ctx context.Context, zr *zip.Reader) (ingestdomain.ArchiveIngestResult, error) {
	type indexed struct {
		idx  int
		file *zip.File
	}

	var files []indexed
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".json", ".jsonl", ".csv":
			files = append(files, indexed{idx: len(files), file: f})
		}
	}

	results := make([]ingestdomain.ArchiveFileResult, len(files))

	g, gctx := newArchiveGroup(ctx)
	for _, entry := range files {
		entry := entry
		g.Go(func() error {
			results[entry.idx] = s.ingestArchiveFile(gctx, entry.file)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ingestdomain.ArchiveIngestResult{}, err
	}

	return ingestdomain.ArchiveIngestResult{Files: results}, nil
}

func (s *Service) ingestArchiveFile(ctx context.Context, f *zip.File) ingestdomain.ArchiveFileResult {
	rc, err := f.Open()
	if err != nil {
		return ingestdomain.ArchiveFileResult{Name: f.Name, Error: "unreadable_entry"}
	}
	defer rc.Close()

	var batch ingestdomain.BatchIngestResult
	if strings.EqualFold(path.Ext(f.Name), ".csv") {
		batch, err = s.ingestCSV(ctx, rc, f.Name)
	} else {
		batch, err = s.IngestBatch(ctx, rc, f.Name)
	}
	result := ingestdomain.ArchiveFileResult{Name: f.Name, Batch: batch}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// ingestCSV reads a flat transaction export: a header row, then one line item
// per row. Consecutive rows sharing a transaction_id fold into one event, so
// a multi-item basket spans as many rows as it has items. Column names follow
// the edge export; legacy exports use transaction_ts, basket_total, sku_name
// and price, which are accepted as aliases.
func (s *Service) ingestCSV(ctx context.Context, r io.Reader, sourceFile string) (ingestdomain.BatchIngestResult, error) {
	batch := ingestdomain.BatchIngestResult{
		BatchID:    s.newBatchID(),
		SourceFile: sourceFile,
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return batch, fmt.Errorf("%w: read csv header: %s", ingestdomain.ErrMalformedInput, err.Error())
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["transaction_id"]; !ok {
		return batch, fmt.Errorf("%w: csv has no transaction_id column", ingestdomain.ErrMalformedInput)
	}

	var pending *ingestdomain.RawEventInput
	flush := func() error {
		if pending == nil {
			return nil
		}
		input := *pending
		pending = nil

		result, err := s.Ingest(ctx, input)
		if err != nil {
			if errors.Is(err, ingestdomain.ErrStorageUnavailable) {
				return err
			}
			batch.Malformed++
			batch.Results = append(batch.Results, ingestdomain.IngestResult{
				TransactionID: input.TransactionID,
				Reason:        err.Error(),
			})
			return nil
		}
		if result.Duplicate {
			batch.Duplicates++
		} else {
			batch.Accepted++
		}
		batch.Results = append(batch.Results, result)
		return nil
	}

	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			batch.Malformed++
			batch.Results = append(batch.Results, ingestdomain.IngestResult{
				Reason: fmt.Sprintf("line %d: malformed_csv", line),
			})
			continue
		}

		field := func(names ...string) string {
			for _, name := range names {
				if idx, ok := col[name]; ok && idx < len(record) {
					if v := strings.TrimSpace(record[idx]); v != "" {
						return v
					}
				}
			}
			return ""
		}

		txnID := field("transaction_id")
		if pending == nil || pending.TransactionID != txnID {
			if err := flush(); err != nil {
				return batch, err
			}
			pending = &ingestdomain.RawEventInput{
				TransactionID: txnID,
				StoreID:       field("store_id"),
				DeviceID:      field("device_id"),
				Timestamp:     field("timestamp", "transaction_ts"),
				PaymentMethod: field("payment_method"),
				SourceFile:    sourceFile,
			}
			if raw := field("total", "basket_total"); raw != "" {
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					pending.Total = &v
				}
			}
			if raw := field("discount"); raw != "" {
				pending.Discount, _ = strconv.ParseFloat(raw, 64)
			}
			if raw := field("tax"); raw != "" {
				pending.Tax, _ = strconv.ParseFloat(raw, 64)
			}
		}

		quantity, _ := strconv.Atoi(field("quantity"))
		unitPrice, _ := strconv.ParseFloat(field("unit_price", "price"), 64)
		pending.Items = append(pending.Items, ingestdomain.LineItemInput{
			ProductRef: field("product_ref", "sku_name", "sku_id"),
			Quantity:   quantity,
			UnitPrice:  unitPrice,
		})
	}
	if err := flush(); err != nil {
		return batch, err
	}

	s.log.Info("csv batch ingested",
		zap.String("batch_id", batch.BatchID),
		zap.String("source_file", sourceFile),
		zap.Int("accepted", batch.Accepted),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("malformed", batch.Malformed),
	)
	return batch, nil
}

func (s *Service) List(ctx context.Context, req ingestdomain.ListEventsRequest) (ingestdomain.ListEventsResponse, error) {
	filter := &ingestdomain.RawEvent{StoreID: strings.TrimSpace(req.StoreID)}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.rawrepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Default: "created_at"}),
	)
	if err != nil {
		return ingestdomain.ListEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *ingestdomain.RawEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]ingestdomain.RawEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := ingestdomain.ListEventsResponse{Events: events}
	resp.PageInfo = *pageInfo
	return resp, nil
}

func (s *Service) newBatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), s.entropy).String()
}

func newArchiveGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveFileParallel)
	return g, gctx
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}
