package controllers

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/multimart-backend/api/responses"
	"github.com/angelmondragon/multimart-backend/api/validators"
	"github.com/angelmondragon/multimart-backend/internal/coupons"
	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
	"github.com/angelmondragon/multimart-backend/pkg/logger"
	"github.com/angelmondragon/multimart-backend/pkg/pagination"
)

const (
	couponIDParam   = "couponId"
	maxSearchLength = 64
)

type createCouponRequest struct {
	Code            string             `json:"code" validate:"required,max=64"`
	Title           string             `json:"title,omitempty" validate:"omitempty,max=200"`
	Description     *string            `json:"description,omitempty" validate:"omitempty,max=2000"`
	Type            string             `json:"type" validate:"required"`
	DiscountType    string             `json:"discountType" validate:"required"`
	DiscountValue   decimal.Decimal    `json:"discountValue"`
	MinimumPurchase *decimal.Decimal   `json:"minimumPurchase,omitempty"`
	MaximumDiscount *decimal.Decimal   `json:"maximumDiscount,omitempty"`
	StartDate       time.Time          `json:"startDate" validate:"required"`
	EndDate         time.Time          `json:"endDate" validate:"required"`
	UsageLimit      *usageLimitRequest `json:"usageLimit,omitempty"`
	Status          string             `json:"status,omitempty"`
	Store           *string            `json:"store,omitempty"`
	Products        []string           `json:"products,omitempty" validate:"omitempty,dive,required"`
	Categories      []string           `json:"categories,omitempty" validate:"omitempty,dive,required"`
}

type usageLimitRequest struct {
	PerUser *int `json:"perUser,omitempty"`
	Total   *int `json:"total,omitempty"`
}

func (r createCouponRequest) toInput() coupons.CreateCouponInput {
	input := coupons.CreateCouponInput{
		Code:            r.Code,
		Title:           validators.SanitizeString(r.Title, 200),
		Description:     r.Description,
		Type:            r.Type,
		DiscountType:    r.DiscountType,
		DiscountValue:   r.DiscountValue,
		MaximumDiscount: r.MaximumDiscount,
		StartDate:       r.StartDate,
		EndDate:         r.EndDate,
		Status:          r.Status,
		StoreID:         r.Store,
		Products:        r.Products,
		Categories:      r.Categories,
	}
	if r.MinimumPurchase != nil {
		input.MinimumPurchase = *r.MinimumPurchase
	}
	if r.UsageLimit != nil {
		input.UsageLimitPerUser = r.UsageLimit.PerUser
		input.UsageLimitTotal = r.UsageLimit.Total
	}
	return input
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type cartItemRequest struct {
	ProductID  string `json:"productId" validate:"required"`
	CategoryID string `json:"categoryId,omitempty"`
}

type checkoutRequest struct {
	Code        string            `json:"code" validate:"required,max=64"`
	UserID      string            `json:"userId"`
	StoreID     string            `json:"storeId"`
	Products    []cartItemRequest `json:"products" validate:"omitempty,dive"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

func (r checkoutRequest) toCheckout() coupons.Checkout {
	items := make([]coupons.CartItem, 0, len(r.Products))
	for _, item := range r.Products {
		items = append(items, coupons.CartItem{ProductID: item.ProductID, CategoryID: item.CategoryID})
	}
	return coupons.Checkout{
		Code:        r.Code,
		UserID:      r.UserID,
		StoreID:     r.StoreID,
		Items:       items,
		TotalAmount: r.TotalAmount,
	}
}

type redeemRequest struct {
	checkoutRequest
	OrderID string `json:"orderId,omitempty" validate:"omitempty,max=128"`
}

// CreateCoupon handles POST /api/v1/coupons.
func CreateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload createCouponRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Create(r.Context(), payload.toInput())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, coupon)
	}
}

// ListCoupons handles GET /api/v1/coupons.
func ListCoupons(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := coupons.ListParams{
			Search:  validators.ParseQueryString(r, "search", maxSearchLength),
			Status:  validators.ParseQueryString(r, "status", 32),
			Type:    validators.ParseQueryString(r, "type", 32),
			StoreID: validators.ParseQueryString(r, "store", 128),
			Params: pagination.Params{
				Limit:  limit,
				Cursor: validators.ParseQueryString(r, "cursor", 512),
			},
		}

		result, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// GetCoupon handles GET /api/v1/coupons/{couponId}.
func GetCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		id, err := validators.ParseUUIDParam(r, couponIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, coupon)
	}
}

// UpdateCouponStatus handles PATCH /api/v1/coupons/{couponId}/status.
func UpdateCouponStatus(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		id, err := validators.ParseUUIDParam(r, couponIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload statusRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		coupon, err := svc.UpdateStatus(r.Context(), id, payload.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, coupon)
	}
}

// ValidateCoupon handles POST /api/v1/coupons/validate. It never touches the
// usage ledger.
func ValidateCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithCoupon(ctx, payload.Code)
		}

		result, err := svc.Validate(ctx, payload.toCheckout())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// RedeemCoupon handles POST /api/v1/coupons/redeem.
func RedeemCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		var payload redeemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithCoupon(ctx, payload.Code)
		}

		result, err := svc.Redeem(ctx, coupons.RedeemInput{
			Checkout: payload.toCheckout(),
			OrderID:  payload.OrderID,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// DeleteCoupon handles DELETE /api/v1/coupons/{couponId}.
func DeleteCoupon(svc coupons.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "coupon service unavailable"))
			return
		}

		id, err := validators.ParseUUIDParam(r, couponIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"id": id.String(), "status": "deleted"})
	}
}
