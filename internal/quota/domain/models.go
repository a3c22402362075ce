package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"gorm.io/gorm"
)

// FreeQuotaUsage counts the free units a subscriber already drew for one
// resource. Consumed only ever grows.
type FreeQuotaUsage struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID string       `gorm:"type:text;not null;uniqueIndex:ux_free_quota_usages_pair,priority:1" json:"subscriber_id"`
	ResourceID   string       `gorm:"type:text;not null;uniqueIndex:ux_free_quota_usages_pair,priority:2" json:"resource_id"`
	Consumed     int64        `gorm:"not null;default:0" json:"consumed"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (FreeQuotaUsage) TableName() string { return "free_quota_usages" }

type ConsumeRequest struct {
	SubscriberID string
	ResourceID   string
	FreeQuota    int64
	Requested    int64
}

type Service interface {
	// Consume draws min(requested, freeQuota - consumed) units and returns
	// how many were drawn. It joins tx when set.
	Consume(ctx context.Context, tx *gorm.DB, req ConsumeRequest) (int64, error)
	Get(ctx context.Context, subscriberID, resourceID string) (*FreeQuotaUsage, error)
}

var (
	ErrInvalidSubscriber = errs.New(errs.KindBadInput, "invalid_subscriber", "subscriber id is required")
	ErrInvalidResource   = errs.New(errs.KindBadInput, "invalid_resource", "resource id is required")
	ErrInvalidRequest    = errs.New(errs.KindBadInput, "invalid_quota_request", "requested units and free quota cannot be negative")
	ErrQuotaConflict     = errs.New(errs.KindConflict, "free_quota_conflict", "free quota counter changed concurrently")
)
