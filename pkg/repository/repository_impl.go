package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/db"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"gorm.io/gorm"
)

var ErrUnboundedUpdate = errs.New(errs.KindInternal, "unbounded_update", "update requires at least one condition")

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (r *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return r
	}
	return &store[T]{db: tx}
}

func (r *store[T]) Get(ctx context.Context, id snowflake.ID, opts ...option.QueryOption) (*T, error) {
	var result T
	stmt := r.db.WithContext(ctx).Where("id = ?", id)
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	if err := stmt.First(&result).Error; err != nil {
		return nil, db.Translate(err)
	}
	return &result, nil
}

func (r *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var result []*T
	stmt := r.buildQuery(ctx, query, opts...)
	err := stmt.Find(&result).Error
	return result, db.Translate(err)
}

func (r *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var result T
	stmt := r.buildQuery(ctx, query, opts...)
	err := stmt.First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, db.Translate(err)
	}
	return &result, nil
}

func (r *store[T]) Create(ctx context.Context, resource *T) error {
	return db.Translate(r.db.WithContext(ctx).Create(resource).Error)
}

func (r *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}

	return db.Translate(r.db.WithContext(ctx).Create(resources).Error)
}

func (r *store[T]) Update(ctx context.Context, id snowflake.ID, delta any, opts ...option.QueryOption) (int64, error) {
	stmt := r.db.WithContext(ctx).Model(new(T)).Where("id = ?", id)
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	res := stmt.Updates(delta)
	return res.RowsAffected, db.Translate(res.Error)
}

func (r *store[T]) UpdateWhere(ctx context.Context, delta any, opts ...option.QueryOption) (int64, error) {
	if len(opts) == 0 {
		return 0, ErrUnboundedUpdate
	}
	stmt := r.db.WithContext(ctx).Model(new(T))
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	res := stmt.Updates(delta)
	return res.RowsAffected, db.Translate(res.Error)
}

func (r *store[T]) Delete(ctx context.Context, id snowflake.ID) error {
	var dummy T
	return db.Translate(r.db.WithContext(ctx).Where("id = ?", id).Delete(&dummy).Error)
}

func (r *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var count int64
	stmt := r.buildQuery(ctx, query, opts...).Model(new(T))
	err := stmt.Count(&count).Error
	return count, db.Translate(err)
}

func (r *store[T]) buildQuery(ctx context.Context, filter *T, opts ...option.QueryOption) *gorm.DB {
	stmt := r.db.WithContext(ctx)
	if filter != nil {
		stmt = stmt.Where(filter)
	}

	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	return stmt
}
