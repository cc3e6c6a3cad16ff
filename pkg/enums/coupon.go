package enums

import (
	"fmt"
	"strings"
)

// CouponType scopes which checkouts a coupon may apply to.
type CouponType string

const (
	CouponTypeGeneral    CouponType = "general"
	CouponTypeStore      CouponType = "store"
	CouponTypeProduct    CouponType = "product"
	CouponTypeCategory   CouponType = "category"
	CouponTypeFirstOrder CouponType = "first_order"
)

var validCouponTypes = []CouponType{
	CouponTypeGeneral,
	CouponTypeStore,
	CouponTypeProduct,
	CouponTypeCategory,
	CouponTypeFirstOrder,
}

// String implements fmt.Stringer.
func (c CouponType) String() string {
	return string(c)
}

// IsValid reports whether the value is a known coupon type.
func (c CouponType) IsValid() bool {
	for _, candidate := range validCouponTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCouponType converts raw input into CouponType.
func ParseCouponType(value string) (CouponType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validCouponTypes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid coupon type %q", value)
}

// DiscountType decides how DiscountValue is interpreted.
type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

var validDiscountTypes = []DiscountType{
	DiscountTypePercentage,
	DiscountTypeFixed,
}

func (d DiscountType) String() string {
	return string(d)
}

func (d DiscountType) IsValid() bool {
	for _, candidate := range validDiscountTypes {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDiscountType converts raw input into DiscountType.
func ParseDiscountType(value string) (DiscountType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validDiscountTypes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid discount type %q", value)
}

// CouponStatus is the stored lifecycle state of a coupon.
type CouponStatus string

const (
	CouponStatusActive   CouponStatus = "active"
	CouponStatusInactive CouponStatus = "inactive"
	CouponStatusExpired  CouponStatus = "expired"
)

var validCouponStatuses = []CouponStatus{
	CouponStatusActive,
	CouponStatusInactive,
	CouponStatusExpired,
}

func (s CouponStatus) String() string {
	return string(s)
}

func (s CouponStatus) IsValid() bool {
	for _, candidate := range validCouponStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Toggleable reports whether admins may set the status directly.
// Expired is reserved for the expiry sweep.
func (s CouponStatus) Toggleable() bool {
	return s == CouponStatusActive || s == CouponStatusInactive
}

// ParseCouponStatus converts raw input into CouponStatus.
func ParseCouponStatus(value string) (CouponStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validCouponStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid coupon status %q", value)
}
