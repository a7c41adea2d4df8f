// Package domain contains the cleaned, typed transaction models.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Transaction is one cleaned POS transaction. Rows are keyed by the business
// transaction_id; reprocessing the same bronze event replaces the row instead
// of duplicating it.
type Transaction struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TransactionID  string       `gorm:"uniqueIndex;not null"`
	StoreID        string       `gorm:"not null"`
	TS             time.Time    `gorm:"column:ts;not null"`
	DateKey        string       `gorm:"index;not null"`
	TimeOfDay      string       `gorm:"not null"`
	PaymentMethod  string       `gorm:"not null;default:unknown"`
	TotalAmount    float64      `gorm:"not null"`
	DiscountAmount float64      `gorm:"not null;default:0"`
	TaxAmount      float64      `gorm:"not null;default:0"`
	ItemCount      int          `gorm:"not null"`
	ProcessedAt    time.Time    `gorm:"index;not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transaction) TableName() string { return "silver_transactions" }

// LineItem is one line of a cleaned transaction. ProductID stays NULL until
// the catalog linker resolves ProductRef.
type LineItem struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TransactionID string       `gorm:"uniqueIndex:silver_line_items_txn_seq_key;not null"`
	ItemSeq       int          `gorm:"uniqueIndex:silver_line_items_txn_seq_key;not null"`
	ProductRef    string       `gorm:"not null"`
	ProductID     *string      `gorm:"index"`
	ProductKey    string
	Quantity      int        `gorm:"not null"`
	UnitPrice     float64    `gorm:"not null"`
	NetAmount     float64    `gorm:"not null"`
	LinkedAt      *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LineItem) TableName() string { return "silver_line_items" }

// TransformFailure is a quarantined bronze row. One row per bronze event;
// re-runs over the same event keep the original verdict.
type TransformFailure struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	BronzeID      snowflake.ID `gorm:"uniqueIndex;not null"`
	TransactionID string
	Reason        string `gorm:"not null"`
	Detail        string
	QuarantinedAt time.Time `gorm:"not null"`
}

func (TransformFailure) TableName() string { return "transform_failures" }

// Quarantine reasons.
const (
	ReasonBadPayload    = "bad_payload"
	ReasonNoItems       = "no_items"
	ReasonBadAmount     = "bad_amount"
	ReasonTotalMismatch = "total_mismatch"
)

type TransformResult struct {
	Scanned     int       `json:"scanned"`
	Upserted    int       `json:"upserted"`
	Quarantined int       `json:"quarantined"`
	Watermark   time.Time `json:"watermark"`
	Advanced    bool      `json:"advanced"`
}

type Service interface {
	// Transform drains bronze rows past the silver watermark into cleaned
	// transactions, quarantining rows that fail validation.
	Transform(ctx context.Context) (TransformResult, error)
}

var ErrTransformAborted = errors.New("transform_aborted")
