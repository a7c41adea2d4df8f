// Package domain contains the product catalog models.
package domain

import (
	"context"
	"time"
)

// Product is one catalog entry. ProductKey is the slugged canonical name the
// linker matches raw product references against.
type Product struct {
	ProductID   string  `gorm:"primaryKey"`
	ProductName string  `gorm:"not null"`
	ProductKey  string  `gorm:"index;not null"`
	Brand       string  `gorm:"not null"`
	Category    string  `gorm:"not null"`
	SRP         float64 `gorm:"column:srp"`
	IsActive    bool    `gorm:"not null;default:true"`
	CreatedAt   time.Time
}

func (Product) TableName() string { return "products" }

// ProductAlias maps a known misspelling or shorthand to a product.
type ProductAlias struct {
	AliasKey  string `gorm:"primaryKey"`
	ProductID string `gorm:"not null"`
	CreatedAt time.Time
}

func (ProductAlias) TableName() string { return "product_aliases" }

type LinkResult struct {
	Scanned   int `json:"scanned"`
	Linked    int `json:"linked"`
	Unmatched int `json:"unmatched"`
}

type CoverageResult struct {
	Linked int64   `json:"linked"`
	Total  int64   `json:"total"`
	Ratio  float64 `json:"ratio"`
}

type Service interface {
	// LinkBatch resolves a batch of unlinked line items against the catalog.
	// Already-linked items are never revisited, so a later catalog change
	// cannot unlink or relink history.
	LinkBatch(ctx context.Context) (LinkResult, error)

	// Coverage reports the linked share of line items created inside the
	// trailing window.
	Coverage(ctx context.Context, window time.Duration) (CoverageResult, error)

	UpsertProduct(ctx context.Context, product *Product) error
	AddAlias(ctx context.Context, aliasKey, productID string) error
}
