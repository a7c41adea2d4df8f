package domain

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/scoutlabs/medallion/pkg/db/pagination"
)

// RawEventInput is the wire shape accepted from edge devices. Older firmware
// sends "id" instead of "transaction_id" and "price" instead of "unit_price";
// Normalize folds the aliases before validation.
type RawEventInput struct {
	TransactionID string          `json:"transaction_id" validate:"required"`
	AltID         string          `json:"id,omitempty" validate:"-"`
	StoreID       string          `json:"store_id" validate:"required"`
	DeviceID      string          `json:"device_id,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Items         []LineItemInput `json:"items" validate:"required,min=1,dive"`
	Total         *float64        `json:"total,omitempty"`
	Discount      float64         `json:"discount,omitempty" validate:"gte=0"`
	Tax           float64         `json:"tax,omitempty" validate:"gte=0"`

	SourceFile string `json:"-" validate:"-"`
}

type LineItemInput struct {
	ProductRef string  `json:"product_ref"`
	ProductID  string  `json:"product_id,omitempty"`
	Quantity   int     `json:"quantity" validate:"gte=1"`
	UnitPrice  float64 `json:"unit_price" validate:"gte=0"`
	AltPrice   float64 `json:"price,omitempty" validate:"-"`
}

// Normalize resolves legacy field aliases in place.
func (in *RawEventInput) Normalize() {
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	if in.TransactionID == "" {
		in.TransactionID = strings.TrimSpace(in.AltID)
	}
	in.StoreID = strings.TrimSpace(in.StoreID)
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	for i := range in.Items {
		item := &in.Items[i]
		item.ProductRef = strings.TrimSpace(item.ProductRef)
		if item.ProductRef == "" {
			item.ProductRef = strings.TrimSpace(item.ProductID)
		}
		if item.UnitPrice == 0 && item.AltPrice != 0 {
			item.UnitPrice = item.AltPrice
		}
	}
}

type IngestResult struct {
	TransactionID string `json:"transaction_id"`
	Accepted      bool   `json:"accepted"`
	Duplicate     bool   `json:"duplicate"`
	Reason        string `json:"reason,omitempty"`
}

// BatchIngestResult summarizes one newline-delimited batch. Records fail
// independently; a malformed line never aborts the remainder.
type BatchIngestResult struct {
	BatchID    string         `json:"batch_id"`
	SourceFile string         `json:"source_file,omitempty"`
	Accepted   int            `json:"accepted"`
	Duplicates int            `json:"duplicates"`
	Malformed  int            `json:"malformed"`
	Results    []IngestResult `json:"results"`
}

type ArchiveFileResult struct {
	Name  string            `json:"name"`
	Batch BatchIngestResult `json:"batch"`
	Error string            `json:"error,omitempty"`
}

type ArchiveIngestResult struct {
	Files []ArchiveFileResult `json:"files"`
}

type ListEventsRequest struct {
	StoreID   string `json:"store_id"`
	PageToken string `json:"page_token"`
	PageSize  int32  `json:"page_size"`
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []RawEvent `json:"events"`
}

type Service interface {
	Ingest(context.Context, RawEventInput) (IngestResult, error)
	IngestBatch(ctx context.Context, r io.Reader, sourceFile string) (BatchIngestResult, error)
	IngestArchive(ctx context.Context, zr *zip.Reader) (ArchiveIngestResult, error)
	List(context.Context, ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrMalformedInput       = errors.New("malformed_input")
	ErrMissingTransactionID = errors.New("missing_transaction_id")
	ErrStorageUnavailable   = errors.New("storage_unavailable")
)
