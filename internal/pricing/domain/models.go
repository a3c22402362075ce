package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/pk"
)

// Resource is a billed API resource. OwnerID receives its usage revenue.
type Resource struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	OwnerID   string    `gorm:"type:text;not null;index" json:"owner_id"`
	Name      string    `gorm:"type:text" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Resource) TableName() string { return "resources" }

// Pricing is a plan a subscriber can be billed under.
type Pricing struct {
	ID               snowflake.ID  `gorm:"primaryKey" json:"id"`
	ResourceID       string        `gorm:"type:text;not null;index" json:"resource_id"`
	Name             string        `gorm:"type:text;not null" json:"name"`
	MinMonthlyCharge amount.Amount `gorm:"type:text;not null" json:"min_monthly_charge"`
	ChargePerRequest amount.Amount `gorm:"type:text;not null" json:"charge_per_request"`
	FreeQuota        int64         `gorm:"not null;default:0" json:"free_quota"`
	CreatedAt        time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Pricing) TableName() string { return "pricings" }

func (p Pricing) Key() pk.PricingKey { return pk.PricingKey{ID: p.ID} }

// Subscription binds a subscriber to the pricing they are billed under for
// one resource.
type Subscription struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriberID string       `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_subscriber_resource,priority:1" json:"subscriber_id"`
	ResourceID   string       `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_subscriber_resource,priority:2" json:"resource_id"`
	PricingID    snowflake.ID `gorm:"not null" json:"pricing_id"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
