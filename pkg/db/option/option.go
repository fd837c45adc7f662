package option

import (
	"github.com/smallbiznis/pixwatch/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryFunc func(db *gorm.DB) *gorm.DB

func (f queryFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

func WithOrder(order string) QueryOption {
	return queryFunc(func(db *gorm.DB) *gorm.DB { return db.Order(order) })
}

func WithWhere(query string, args ...any) QueryOption {
	return queryFunc(func(db *gorm.DB) *gorm.DB { return db.Where(query, args...) })
}

// ApplyPagination orders by id descending and fetches one extra row so the
// caller can tell whether another page exists.
func ApplyPagination(page pagination.Pagination) (QueryOption, error) {
	var cursor *pagination.Cursor
	if page.PageToken != "" {
		c, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		cursor = c
	}
	limit := page.Limit()
	return queryFunc(func(db *gorm.DB) *gorm.DB {
		if cursor != nil {
			db = db.Where("id < ?", cursor.ID)
		}
		return db.Order("id desc").Limit(limit + 1)
	}), nil
}
