package models

import (
	"time"

	"github.com/google/uuid"
)

// CouponUserUsage counts how many times one user redeemed one coupon.
type CouponUserUsage struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CouponID  uuid.UUID `gorm:"column:coupon_id;type:uuid;not null;uniqueIndex:coupon_user_usages_coupon_user_key"`
	UserID    string    `gorm:"column:user_id;not null;uniqueIndex:coupon_user_usages_coupon_user_key"`
	Count     int       `gorm:"column:redemption_count;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
