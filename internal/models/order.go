package models

import "time"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderDelivered OrderStatus = "delivered"
	OrderExpired   OrderStatus = "expired"
	OrderFailed    OrderStatus = "failed"
)

type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingPaid    BillingStatus = "paid"
	BillingFailed  BillingStatus = "failed"
)

// PaymentOrder tracks a single purchase through the
// pending -> paid -> delivered state machine. Transitions are guarded by
// conditional updates so they only ever move forward; delivered is terminal.
type PaymentOrder struct {
	ID            string      `gorm:"primaryKey" json:"id"`
	UserID        string      `gorm:"index;not null" json:"user_id"`
	PlanID        string      `gorm:"not null" json:"plan_id"`
	AmountCents   int64       `gorm:"not null" json:"amount_cents"`
	Provider      string      `gorm:"not null" json:"provider"`
	ExternalTxnID string      `gorm:"index" json:"external_txn_id,omitzero"`
	Status        OrderStatus `gorm:"index;not null;default:pending" json:"status"`
	BillingID     string      `gorm:"index" json:"billing_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillingEvent mirrors an order for accounting. Its status trails the order:
// it is set to paid during delivery, never before.
type BillingEvent struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	UserID      string        `gorm:"index;not null" json:"user_id"`
	AmountCents int64         `gorm:"not null" json:"amount_cents"`
	Currency    string        `gorm:"not null;default:CNY" json:"currency"`
	Status      BillingStatus `gorm:"index;not null;default:pending" json:"status"`
	PeriodStart *time.Time    `json:"period_start,omitzero"`
	PeriodEnd   *time.Time    `json:"period_end,omitzero"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyKey serializes concurrent payment callbacks: the first handler
// to insert the row owns the side effect, later arrivals observe it.
type IdempotencyKey struct {
	Key       string            `gorm:"primaryKey" json:"key"`
	Status    IdempotencyStatus `gorm:"not null" json:"status"`
	Result    string            `json:"result,omitzero"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

// UserPlan records an active recurring subscription. A user with
// CurrentPeriodEnd in the future is exempt from credit debits.
type UserPlan struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           string    `gorm:"uniqueIndex;not null" json:"user_id"`
	PlanID           string    `gorm:"not null" json:"plan_id"`
	CurrentPeriodEnd time.Time `gorm:"not null" json:"current_period_end"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type PlanType string

const (
	PlanOneTime      PlanType = "one_time"
	PlanSubscription PlanType = "subscription"
)

// PricingPlan is configuration, not persisted state.
type PricingPlan struct {
	Type        PlanType `yaml:"type" json:"type"`
	AmountCents int64    `yaml:"amount_cents" json:"amount_cents"`
	Credits     int      `yaml:"credits,omitempty" json:"credits,omitzero"`
	PeriodDays  int      `yaml:"period_days,omitempty" json:"period_days,omitzero"`
}
