package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/multimart-backend/pkg/enums"
)

// CouponRedeemedEvent records one successful redemption against the usage ledger.
type CouponRedeemedEvent struct {
	CouponID    uuid.UUID       `json:"coupon_id"`
	Code        string          `json:"code"`
	UserID      string          `json:"user_id"`
	StoreID     string          `json:"store_id,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Discount    decimal.Decimal `json:"discount"`
	UsageCount  int             `json:"usage_count"`
	UserCount   int             `json:"user_count"`
	RedeemedAt  time.Time       `json:"redeemed_at"`
}

// CouponExpiredEvent is emitted by the expiry sweep when it persists the expired status.
type CouponExpiredEvent struct {
	CouponID       uuid.UUID          `json:"coupon_id"`
	Code           string             `json:"code"`
	PreviousStatus enums.CouponStatus `json:"previous_status"`
	EndDate        time.Time          `json:"end_date"`
	ExpiredAt      time.Time          `json:"expired_at"`
}

// CouponStatusChangedEvent is emitted when an admin toggles a coupon.
type CouponStatusChangedEvent struct {
	CouponID       uuid.UUID          `json:"coupon_id"`
	Code           string             `json:"code"`
	PreviousStatus enums.CouponStatus `json:"previous_status"`
	Status         enums.CouponStatus `json:"status"`
	ChangedAt      time.Time          `json:"changed_at"`
}

// CouponDeletedEvent is emitted when a coupon and its usage ledger are removed.
type CouponDeletedEvent struct {
	CouponID   uuid.UUID `json:"coupon_id"`
	Code       string    `json:"code"`
	UsageCount int       `json:"usage_count"`
	DeletedAt  time.Time `json:"deleted_at"`
}
