// Package option holds composable query modifiers for repository reads.
package option

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// IndexSetting is the statement setting carrying the preferred index name.
const IndexSetting = "meterledger:index"

func WithLimit(limit int) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOffset(offset int) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	})
}

// WithOrder sorts on column; column must be a trusted identifier.
func WithOrder(column string, desc bool) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	})
}

func Where(query string, args ...any) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}

// UsingIndex names the secondary index a read is expected to be served by.
// The SQL planners choose indexes themselves, so the name is attached to the
// statement for tracing only.
func UsingIndex(name string) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Set(IndexSetting, name)
	})
}

// Consistent asks for a read that observes every committed write and holds a
// share lock on the rows when run inside a transaction. SQLite serialises
// writers, so no locking clause is emitted for it.
func Consistent() QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
			return db
		}
		return db.Clauses(clause.Locking{Strength: "SHARE"})
	})
}

// ForUpdate takes a write lock on the selected rows.
func ForUpdate() QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
			return db
		}
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	})
}

// After pages forward past an id cursor on column.
func After(column string, id any) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s > ?", column), id)
	})
}

// Before pages backward below an id cursor on column.
func Before(column string, id any) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s < ?", column), id)
	})
}
