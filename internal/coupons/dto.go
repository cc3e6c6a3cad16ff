package coupons

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
)

type UsageLimitDTO struct {
	PerUser *int `json:"perUser"`
	Total   *int `json:"total"`
}

type UserUsageDTO struct {
	User  string `json:"user"`
	Count int    `json:"count"`
}

// CouponDTO is the admin and checkout view of a coupon. Status is the
// effective status at read time.
type CouponDTO struct {
	ID              uuid.UUID           `json:"id"`
	Code            string              `json:"code"`
	Title           string              `json:"title"`
	Description     *string             `json:"description,omitempty"`
	Type            enums.CouponType    `json:"type"`
	DiscountType    enums.DiscountType  `json:"discountType"`
	DiscountValue   decimal.Decimal     `json:"discountValue"`
	MinimumPurchase decimal.Decimal     `json:"minimumPurchase"`
	MaximumDiscount decimal.NullDecimal `json:"maximumDiscount"`
	StartDate       time.Time           `json:"startDate"`
	EndDate         time.Time           `json:"endDate"`
	UsageLimit      UsageLimitDTO       `json:"usageLimit"`
	UsageCount      int                 `json:"usageCount"`
	UserUsage       []UserUsageDTO      `json:"userUsage"`
	Status          enums.CouponStatus  `json:"status"`
	Store           *string             `json:"store"`
	Products        []string            `json:"products"`
	Categories      []string            `json:"categories"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type ListResult struct {
	Items  []CouponDTO `json:"items"`
	Cursor string      `json:"cursor"`
}

// ValidationResult and RedemptionResult carry the coupon as seen by one
// shopper: Coupon.UserUsage holds only that shopper's row, or nothing before
// their first redemption. GET /coupons/{id} returns the full ledger.
type ValidationResult struct {
	Coupon   CouponDTO       `json:"coupon"`
	Discount decimal.Decimal `json:"discount"`
}

type RedemptionResult struct {
	Coupon   CouponDTO       `json:"coupon"`
	Discount decimal.Decimal `json:"discount"`
	OrderID  string          `json:"orderId,omitempty"`
}

func toCouponDTO(m models.Coupon, now time.Time) CouponDTO {
	usage := make([]UserUsageDTO, 0, len(m.UserUsage))
	for _, row := range m.UserUsage {
		usage = append(usage, UserUsageDTO{User: row.UserID, Count: row.Count})
	}
	products := []string(m.Products)
	if products == nil {
		products = []string{}
	}
	categories := []string(m.Categories)
	if categories == nil {
		categories = []string{}
	}
	return CouponDTO{
		ID:              m.ID,
		Code:            m.Code,
		Title:           m.Title,
		Description:     m.Description,
		Type:            m.Type,
		DiscountType:    m.DiscountType,
		DiscountValue:   m.DiscountValue,
		MinimumPurchase: m.MinimumPurchase,
		MaximumDiscount: m.MaximumDiscount,
		StartDate:       m.StartDate,
		EndDate:         m.EndDate,
		UsageLimit: UsageLimitDTO{
			PerUser: m.UsageLimitPerUser,
			Total:   m.UsageLimitTotal,
		},
		UsageCount: m.UsageCount,
		UserUsage:  usage,
		Status:     m.EffectiveStatus(now),
		Store:      m.StoreID,
		Products:   products,
		Categories: categories,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
