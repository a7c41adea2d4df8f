package option

import (
	"github.com/scoutlabs/medallion/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type optionFunc func(*gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination: one extra row is fetched so the
// caller can detect a next page.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		pageSize := p.PageSize
		if pageSize <= 0 {
			pageSize = 50
		}
		if p.PageToken != "" {
			if cursor, err := pagination.DecodeCursor(p.PageToken); err == nil && cursor.CreatedAt != "" {
				db = db.Where("created_at < ?", cursor.CreatedAt)
			}
		}
		return db.Limit(pageSize + 1)
	})
}

type QuerySortBy struct {
	Allow   map[string]bool
	Column  string
	Default string
}

// WithSortBy orders by an allow-listed column, newest first.
func WithSortBy(sort QuerySortBy) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		column := sort.Column
		if column == "" || !sort.Allow[column] {
			column = sort.Default
		}
		if column == "" {
			column = "created_at"
		}
		return db.Order(column + " DESC")
	})
}
