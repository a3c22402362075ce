// Package repository provides the generic record store used by every domain.
package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a typed table accessor. Reads with a struct query match on its
// non-zero fields and can be narrowed further with query options.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Get(ctx context.Context, id snowflake.ID, opts ...option.QueryOption) (*T, error)
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	BatchCreate(ctx context.Context, resources []*T) error
	// Update applies delta to the row with id and any extra conditions in
	// opts, returning the number of rows changed.
	Update(ctx context.Context, id snowflake.ID, delta any, opts ...option.QueryOption) (int64, error)
	// UpdateWhere applies delta to every row matched by opts.
	UpdateWhere(ctx context.Context, delta any, opts ...option.QueryOption) (int64, error)
	Delete(ctx context.Context, id snowflake.ID) error
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}
