package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/multimart-backend/pkg/enums"
)

// Coupon is a discount code an admin configures for checkouts.
type Coupon struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Code              string              `gorm:"column:code;not null;uniqueIndex:coupons_code_key"`
	Title             string              `gorm:"column:title;not null;default:''"`
	Description       *string             `gorm:"column:description"`
	Type              enums.CouponType    `gorm:"column:type;type:coupon_type;not null"`
	DiscountType      enums.DiscountType  `gorm:"column:discount_type;type:discount_type;not null"`
	DiscountValue     decimal.Decimal     `gorm:"column:discount_value;type:numeric(12,2);not null"`
	MinimumPurchase   decimal.Decimal     `gorm:"column:minimum_purchase;type:numeric(12,2);not null;default:0"`
	MaximumDiscount   decimal.NullDecimal `gorm:"column:maximum_discount;type:numeric(12,2)"`
	StartDate         time.Time           `gorm:"column:start_date;not null"`
	EndDate           time.Time           `gorm:"column:end_date;not null;index:coupons_status_end_date_idx,priority:2"`
	UsageLimitPerUser *int                `gorm:"column:usage_limit_per_user"`
	UsageLimitTotal   *int                `gorm:"column:usage_limit_total"`
	UsageCount        int                 `gorm:"column:usage_count;not null;default:0"`
	Status            enums.CouponStatus  `gorm:"column:status;type:coupon_status;not null;default:'active';index:coupons_status_end_date_idx,priority:1"`
	StoreID           *string             `gorm:"column:store_id"`
	Products          pq.StringArray      `gorm:"column:products;type:text[];not null;default:'{}'"`
	Categories        pq.StringArray      `gorm:"column:categories;type:text[];not null;default:'{}'"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`

	UserUsage []CouponUserUsage `gorm:"foreignKey:CouponID;constraint:OnDelete:CASCADE"`
}

// NormalizeCouponCode is the canonical stored form of a code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Expired reports whether the redemption window has closed at now.
func (c Coupon) Expired(now time.Time) bool {
	return !now.Before(c.EndDate)
}

// EffectiveStatus is the status reported to callers. A coupon whose window
// closed reads as expired even before the sweep persists it.
func (c Coupon) EffectiveStatus(now time.Time) enums.CouponStatus {
	if c.Status != enums.CouponStatusExpired && c.Expired(now) {
		return enums.CouponStatusExpired
	}
	return c.Status
}

// Redeemable reports whether the coupon is active and inside its window.
func (c Coupon) Redeemable(now time.Time) bool {
	return c.Status == enums.CouponStatusActive && !now.Before(c.StartDate) && now.Before(c.EndDate)
}

// UsageFor returns the recorded redemption count for userID.
func (c Coupon) UsageFor(userID string) int {
	for _, usage := range c.UserUsage {
		if usage.UserID == userID {
			return usage.Count
		}
	}
	return 0
}
