package repository

import (
	"context"

	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"gorm.io/gorm"
)

// PairRepository answers the queries that span many billing units.
type PairRepository interface {
	ListPendingPairs(ctx context.Context, db *gorm.DB, limit int) ([]usagedomain.Pair, error)
}

type pairRepo struct{}

func ProvidePairs() PairRepository {
	return &pairRepo{}
}

func (r *pairRepo) ListPendingPairs(ctx context.Context, db *gorm.DB, limit int) ([]usagedomain.Pair, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usagedomain.Pair
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT subscriber_id, resource_id
		 FROM usage_events
		 WHERE status = ?
		 ORDER BY subscriber_id, resource_id
		 LIMIT ?`,
		usagedomain.EventStatusPending,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
