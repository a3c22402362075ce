package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/pk"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusCollected EventStatus = "collected"
)

// UsageEvent is one metered API call as reported by the gateway.
type UsageEvent struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID    string       `gorm:"type:text;not null;index:idx_usage_events_pending,priority:1" json:"subscriber_id"`
	ResourceID      string       `gorm:"type:text;not null;index:idx_usage_events_pending,priority:2" json:"resource_id"`
	PricingKey      string       `gorm:"type:text;not null" json:"pricing"`
	Path            string       `gorm:"type:text" json:"path,omitempty"`
	Volume          int64        `gorm:"not null;default:1" json:"volume"`
	Status          EventStatus  `gorm:"type:text;not null;index:idx_usage_events_pending,priority:3" json:"status"`
	UsageSummaryKey *string      `gorm:"type:text;index" json:"usage_summary,omitempty"`
	IdempotencyKey  *string      `gorm:"type:text;uniqueIndex:ux_usage_events_idempotency" json:"-"`
	OccurredAt      int64        `gorm:"not null" json:"occurred_at"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

type BillingStatus string

const (
	BillingStatusPending BillingStatus = "pending"
	BillingStatusBilled  BillingStatus = "billed"
	// BillingStatusError marks a summary whose pricing no longer resolves.
	BillingStatusError BillingStatus = "error"
)

// UsageSummary aggregates the events of one (subscriber, resource, pricing)
// collected in the same run. It is billed exactly once.
type UsageSummary struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	SubscriberID   string        `gorm:"type:text;not null;index:idx_usage_summaries_billing,priority:1" json:"subscriber_id"`
	ResourceID     string        `gorm:"type:text;not null;index:idx_usage_summaries_billing,priority:2" json:"resource_id"`
	PricingKey     string        `gorm:"type:text;not null" json:"pricing"`
	Path           string        `gorm:"type:text" json:"path,omitempty"`
	Volume         int64         `gorm:"not null" json:"volume"`
	NumberOfEvents int64         `gorm:"not null" json:"number_of_events"`
	BillingStatus  BillingStatus `gorm:"type:text;not null;index:idx_usage_summaries_billing,priority:3" json:"billing_status"`
	CollectedAt    int64         `gorm:"not null" json:"collected_at"`
	BilledAt       *int64        `json:"billed_at,omitempty"`

	SubscriberRequestChargeKey *string `gorm:"type:text" json:"subscriber_request_charge,omitempty"`
	OwnerRequestChargeKey      *string `gorm:"type:text" json:"owner_request_charge,omitempty"`
	SubscriberMonthlyChargeKey *string `gorm:"type:text" json:"subscriber_monthly_charge,omitempty"`
	OwnerMonthlyChargeKey      *string `gorm:"type:text" json:"owner_monthly_charge,omitempty"`
	ServiceFeeKey              *string `gorm:"type:text" json:"service_fee,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageSummary) TableName() string { return "usage_summaries" }

func (s UsageSummary) Key() pk.SummaryKey {
	return pk.SummaryKey{Subscriber: s.SubscriberID, ID: s.ID}
}

// Pair identifies a billing unit owner pair.
type Pair struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`
}
