package coupons

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
)

// Reason identifies why a coupon was rejected for a checkout.
type Reason string

const (
	ReasonNotFound            Reason = "not_found"
	ReasonStoreMismatch       Reason = "store_mismatch"
	ReasonProductMismatch     Reason = "product_mismatch"
	ReasonCategoryMismatch    Reason = "category_mismatch"
	ReasonBelowMinimum        Reason = "below_minimum"
	ReasonPerUserLimitReached Reason = "per_user_limit_reached"
	ReasonTotalLimitReached   Reason = "total_limit_reached"
)

var hundred = decimal.NewFromInt(100)

// CartItem is one line of the candidate checkout.
type CartItem struct {
	ProductID  string
	CategoryID string
}

// Checkout is the candidate order a coupon is evaluated against.
type Checkout struct {
	Code        string
	UserID      string
	StoreID     string
	Items       []CartItem
	TotalAmount decimal.Decimal
}

// RuleOptions toggles the two behaviours still awaiting a product decision.
type RuleOptions struct {
	// EnforceCategoryScope rejects category coupons when no cart item shares a category.
	EnforceCategoryScope bool
	// ClampFixedDiscount keeps a fixed discount from exceeding the cart total.
	ClampFixedDiscount bool
}

// Evaluate runs the checkout rules in order and stops at the first failure.
// A nil coupon, or one that is not redeemable at now, is reported as not found.
func Evaluate(coupon *models.Coupon, checkout Checkout, now time.Time, opts RuleOptions) (decimal.Decimal, error) {
	if coupon == nil || !coupon.Redeemable(now) {
		return decimal.Zero, reject(ReasonNotFound, "Invalid or expired coupon")
	}

	switch coupon.Type {
	case enums.CouponTypeStore:
		if coupon.StoreID == nil || *coupon.StoreID != checkout.StoreID {
			return decimal.Zero, reject(ReasonStoreMismatch, "Coupon is not valid for this store")
		}
	case enums.CouponTypeProduct:
		if !intersects(coupon.Products, productIDs(checkout.Items)) {
			return decimal.Zero, reject(ReasonProductMismatch, "Coupon is not valid for these products")
		}
	case enums.CouponTypeCategory:
		if opts.EnforceCategoryScope && !intersects(coupon.Categories, categoryIDs(checkout.Items)) {
			return decimal.Zero, reject(ReasonCategoryMismatch, "Coupon is not valid for these categories")
		}
	}

	if checkout.TotalAmount.LessThan(coupon.MinimumPurchase) {
		return decimal.Zero, reject(ReasonBelowMinimum,
			fmt.Sprintf("Minimum purchase amount of %s required", coupon.MinimumPurchase.String()))
	}

	if coupon.UsageLimitPerUser != nil && coupon.UsageFor(checkout.UserID) >= *coupon.UsageLimitPerUser {
		return decimal.Zero, reject(ReasonPerUserLimitReached, "You have reached the usage limit for this coupon")
	}
	if coupon.UsageLimitTotal != nil && coupon.UsageCount >= *coupon.UsageLimitTotal {
		return decimal.Zero, reject(ReasonTotalLimitReached, "Coupon usage limit reached")
	}

	return Discount(coupon, checkout.TotalAmount, opts), nil
}

// Discount computes the amount taken off total, rounded to cents.
func Discount(coupon *models.Coupon, total decimal.Decimal, opts RuleOptions) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.DiscountType {
	case enums.DiscountTypePercentage:
		discount = total.Mul(coupon.DiscountValue).Div(hundred)
		if coupon.MaximumDiscount.Valid {
			discount = decimal.Min(discount, coupon.MaximumDiscount.Decimal)
		}
	default:
		discount = coupon.DiscountValue
		if opts.ClampFixedDiscount {
			discount = decimal.Min(discount, total)
		}
	}
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	return discount.Round(2)
}

func reject(reason Reason, message string) *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeRejected, message).
		WithDetails(map[string]string{"reason": string(reason)})
}

// ReasonOf extracts the rejection reason carried by err, or "" when err is
// not a coupon rejection.
func ReasonOf(err error) Reason {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeRejected {
		return ""
	}
	details, ok := typed.Details().(map[string]string)
	if !ok {
		return ""
	}
	return Reason(details["reason"])
}

func productIDs(items []CartItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID != "" {
			ids = append(ids, item.ProductID)
		}
	}
	return ids
}

func categoryIDs(items []CartItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.CategoryID != "" {
			ids = append(ids, item.CategoryID)
		}
	}
	return ids
}

func intersects(allowed []string, candidates []string) bool {
	if len(allowed) == 0 || len(candidates) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	for _, id := range candidates {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
