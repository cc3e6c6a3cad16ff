package coupons

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/multimart-backend/pkg/db"
	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
	"github.com/angelmondragon/multimart-backend/pkg/logger"
	"github.com/angelmondragon/multimart-backend/pkg/metrics"
	"github.com/angelmondragon/multimart-backend/pkg/outbox"
	"github.com/angelmondragon/multimart-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/multimart-backend/pkg/pagination"
)

const (
	maxCodeLength = 64
	outcomeOK     = "applied"

	sourceAdmin    = "admin-api"
	sourceCheckout = "checkout"
	sourceSweep    = "coupon-expiry"
)

// Service exposes coupon administration and checkout operations.
type Service interface {
	Create(ctx context.Context, input CreateCouponInput) (*CouponDTO, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	Get(ctx context.Context, id uuid.UUID) (*CouponDTO, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*CouponDTO, error)
	Validate(ctx context.Context, checkout Checkout) (*ValidationResult, error)
	Redeem(ctx context.Context, input RedeemInput) (*RedemptionResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

// CreateCouponInput holds the admin payload for a new coupon.
type CreateCouponInput struct {
	Code              string
	Title             string
	Description       *string
	Type              string
	DiscountType      string
	DiscountValue     decimal.Decimal
	MinimumPurchase   decimal.Decimal
	MaximumDiscount   *decimal.Decimal
	StartDate         time.Time
	EndDate           time.Time
	UsageLimitPerUser *int
	UsageLimitTotal   *int
	Status            string
	StoreID           *string
	Products          []string
	Categories        []string
}

// ListParams are the admin list filters. Empty strings disable a filter.
type ListParams struct {
	Search  string
	Status  string
	Type    string
	StoreID string
	pagination.Params
}

// RedeemInput is a checkout being finalized against the usage ledger.
type RedeemInput struct {
	Checkout
	OrderID string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	Repository Repository
	DB         txRunner
	Outbox     outboxEmitter
	Metrics    *metrics.CouponMetrics
	Logger     *logger.Logger
	Rules      RuleOptions
	Now        func() time.Time
}

type service struct {
	repo    Repository
	db      txRunner
	outbox  outboxEmitter
	metrics *metrics.CouponMetrics
	logg    *logger.Logger
	rules   RuleOptions
	now     func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("coupon repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:    params.Repository,
		db:      params.DB,
		outbox:  params.Outbox,
		metrics: params.Metrics,
		logg:    params.Logger,
		rules:   params.Rules,
		now:     func() time.Time { return now().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateCouponInput) (*CouponDTO, error) {
	coupon, err := buildCoupon(input)
	if err != nil {
		return nil, err
	}
	now := s.now()
	coupon.CreatedAt = now
	coupon.UpdatedAt = now

	if err := s.repo.Create(ctx, coupon); err != nil {
		if db.IsUniqueViolation(err, codeUniqueConstraint) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "Coupon code already exists").
				WithDetails(map[string]string{"code": coupon.Code})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create coupon")
	}

	logCtx := s.logg.WithFields(s.logg.WithCoupon(ctx, coupon.Code), map[string]any{
		"coupon_id": coupon.ID.String(),
		"type":      coupon.Type,
	})
	s.logg.Info(logCtx, "coupon created")

	dto := toCouponDTO(*coupon, now)
	return &dto, nil
}

func buildCoupon(input CreateCouponInput) (*models.Coupon, error) {
	problems := map[string]string{}

	code := models.NormalizeCouponCode(input.Code)
	switch {
	case code == "":
		problems["code"] = "code is required"
	case len(code) > maxCodeLength:
		problems["code"] = fmt.Sprintf("code must be at most %d characters", maxCodeLength)
	}

	couponType, err := enums.ParseCouponType(input.Type)
	if err != nil {
		problems["type"] = err.Error()
	}
	discountType, err := enums.ParseDiscountType(input.DiscountType)
	if err != nil {
		problems["discountType"] = err.Error()
	}

	if !input.DiscountValue.IsPositive() {
		problems["discountValue"] = "discountValue must be greater than 0"
	} else if discountType == enums.DiscountTypePercentage && input.DiscountValue.GreaterThan(hundred) {
		problems["discountValue"] = "percentage discount cannot exceed 100"
	}
	if input.MinimumPurchase.IsNegative() {
		problems["minimumPurchase"] = "minimumPurchase cannot be negative"
	}
	var maximum decimal.NullDecimal
	if input.MaximumDiscount != nil {
		if !input.MaximumDiscount.IsPositive() {
			problems["maximumDiscount"] = "maximumDiscount must be greater than 0"
		}
		maximum = decimal.NewNullDecimal(*input.MaximumDiscount)
	}

	if input.StartDate.IsZero() || input.EndDate.IsZero() {
		problems["endDate"] = "startDate and endDate are required"
	} else if !input.EndDate.After(input.StartDate) {
		problems["endDate"] = "endDate must be after startDate"
	}
	if input.UsageLimitPerUser != nil && *input.UsageLimitPerUser < 1 {
		problems["usageLimit.perUser"] = "perUser limit must be at least 1"
	}
	if input.UsageLimitTotal != nil && *input.UsageLimitTotal < 1 {
		problems["usageLimit.total"] = "total limit must be at least 1"
	}

	status := enums.CouponStatusActive
	if strings.TrimSpace(input.Status) != "" {
		parsed, err := enums.ParseCouponStatus(input.Status)
		if err != nil || !parsed.Toggleable() {
			problems["status"] = "status must be active or inactive"
		} else {
			status = parsed
		}
	}

	storeID := trimmedPtr(input.StoreID)
	products := cleanIDs(input.Products)
	categories := cleanIDs(input.Categories)
	switch couponType {
	case enums.CouponTypeStore:
		if storeID == nil {
			problems["store"] = "store is required for store coupons"
		}
	case enums.CouponTypeProduct:
		if len(products) == 0 {
			problems["products"] = "products are required for product coupons"
		}
	}

	if len(problems) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid coupon").WithDetails(problems)
	}

	return &models.Coupon{
		Code:              code,
		Title:             strings.TrimSpace(input.Title),
		Description:       trimmedPtr(input.Description),
		Type:              couponType,
		DiscountType:      discountType,
		DiscountValue:     input.DiscountValue,
		MinimumPurchase:   input.MinimumPurchase,
		MaximumDiscount:   maximum,
		StartDate:         input.StartDate.UTC(),
		EndDate:           input.EndDate.UTC(),
		UsageLimitPerUser: input.UsageLimitPerUser,
		UsageLimitTotal:   input.UsageLimitTotal,
		Status:            status,
		StoreID:           storeID,
		Products:          pq.StringArray(products),
		Categories:        pq.StringArray(categories),
	}, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	now := s.now()
	query := listQuery{
		search:  params.Search,
		storeID: strings.TrimSpace(params.StoreID),
		now:     now,
		limit:   pagination.LimitWithBuffer(params.Limit),
	}
	if strings.TrimSpace(params.Status) != "" {
		status, err := enums.ParseCouponStatus(params.Status)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		query.status = &status
	}
	if strings.TrimSpace(params.Type) != "" {
		kind, err := enums.ParseCouponType(params.Type)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid type filter")
		}
		query.kind = &kind
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	query.cursor = cursor

	rows, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list coupons")
	}

	rows, next := pagination.Trim(rows, params.Limit, func(row models.Coupon) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	result := &ListResult{Items: make([]CouponDTO, 0, len(rows)), Cursor: next}
	for _, row := range rows {
		result.Items = append(result.Items, toCouponDTO(row, now))
	}
	return result, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*CouponDTO, error) {
	coupon, err := s.load(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	dto := toCouponDTO(*coupon, s.now())
	return &dto, nil
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Coupon, error) {
	coupon, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "Coupon not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	return coupon, nil
}

func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, raw string) (*CouponDTO, error) {
	status, err := enums.ParseCouponStatus(raw)
	if err != nil || !status.Toggleable() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "Invalid status").
			WithDetails(map[string]string{"status": "status must be active or inactive"})
	}

	now := s.now()
	var updated *models.Coupon
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		coupon, err := s.load(ctx, txRepo, id)
		if err != nil {
			return err
		}
		previous := coupon.Status
		if _, err := txRepo.UpdateStatus(ctx, id, status, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update coupon status")
		}
		coupon.Status = status
		coupon.UpdatedAt = now
		updated = coupon

		if previous == status {
			return nil
		}
		return s.emit(ctx, tx, enums.EventCouponStatusChanged, coupon.ID, &outbox.ActorRef{Source: sourceAdmin},
			payloads.CouponStatusChangedEvent{
				CouponID:       coupon.ID,
				Code:           coupon.Code,
				PreviousStatus: previous,
				Status:         status,
				ChangedAt:      now,
			}, now)
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithField(s.logg.WithCoupon(ctx, updated.Code), "status", status)
	s.logg.Info(logCtx, "coupon status updated")
	dto := toCouponDTO(*updated, now)
	return &dto, nil
}

func (s *service) Validate(ctx context.Context, checkout Checkout) (*ValidationResult, error) {
	if err := checkCheckout(checkout); err != nil {
		return nil, err
	}
	now := s.now()
	coupon, err := s.findRedeemable(ctx, s.repo, checkout, now)
	if err != nil {
		return nil, err
	}
	discount, err := Evaluate(coupon, checkout, now, s.rules)
	s.record(ctx, checkout.Code, err, discount, coupon, s.metrics.IncValidation)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Coupon: toCouponDTO(*coupon, now), Discount: discount}, nil
}

// Redeem evaluates the checkout and consumes one use inside a transaction.
// The ledger updates are conditional, so concurrent redemptions cannot push
// either count past its limit.
func (s *service) Redeem(ctx context.Context, input RedeemInput) (*RedemptionResult, error) {
	if err := checkCheckout(input.Checkout); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.UserID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "userId is required to redeem a coupon")
	}

	now := s.now()
	var (
		redeemed *models.Coupon
		discount decimal.Decimal
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		coupon, err := s.findRedeemable(ctx, txRepo, input.Checkout, now)
		if err != nil {
			return err
		}
		amount, err := Evaluate(coupon, input.Checkout, now, s.rules)
		if err != nil {
			return err
		}

		ok, err := txRepo.IncrementUsage(ctx, coupon.ID, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment coupon usage")
		}
		if !ok {
			return reject(ReasonTotalLimitReached, "Coupon usage limit reached")
		}

		if err := txRepo.EnsureUserUsage(ctx, coupon.ID, input.UserID, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record user usage")
		}
		ok, err = txRepo.IncrementUserUsage(ctx, coupon.ID, input.UserID, coupon.UsageLimitPerUser, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "increment user usage")
		}
		if !ok {
			return reject(ReasonPerUserLimitReached, "You have reached the usage limit for this coupon")
		}

		usage, err := txRepo.FindUsage(ctx, coupon.ID, input.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user usage")
		}
		coupon.UsageCount++
		coupon.UpdatedAt = now
		coupon.UserUsage = nil
		userCount := 0
		if usage != nil {
			coupon.UserUsage = []models.CouponUserUsage{*usage}
			userCount = usage.Count
		}

		err = s.emit(ctx, tx, enums.EventCouponRedeemed, coupon.ID,
			&outbox.ActorRef{UserID: input.UserID, Source: sourceCheckout},
			payloads.CouponRedeemedEvent{
				CouponID:    coupon.ID,
				Code:        coupon.Code,
				UserID:      input.UserID,
				StoreID:     input.StoreID,
				OrderID:     input.OrderID,
				TotalAmount: input.TotalAmount,
				Discount:    amount,
				UsageCount:  coupon.UsageCount,
				UserCount:   userCount,
				RedeemedAt:  now,
			}, now)
		if err != nil {
			return err
		}
		redeemed = coupon
		discount = amount
		return nil
	})
	s.record(ctx, input.Code, err, discount, redeemed, s.metrics.IncRedemption)
	if err != nil {
		return nil, err
	}

	return &RedemptionResult{
		Coupon:   toCouponDTO(*redeemed, now),
		Discount: discount,
		OrderID:  input.OrderID,
	}, nil
}

func (s *service) findRedeemable(ctx context.Context, repo Repository, checkout Checkout, now time.Time) (*models.Coupon, error) {
	coupon, err := repo.FindRedeemableByCode(ctx, checkout.Code, checkout.UserID, now)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load coupon")
	}
	return coupon, nil
}

func (s *service) record(ctx context.Context, code string, err error, discount decimal.Decimal, coupon *models.Coupon, count func(string)) {
	logCtx := s.logg.WithCoupon(ctx, models.NormalizeCouponCode(code))
	if err != nil {
		reason := ReasonOf(err)
		if reason == "" {
			return
		}
		count(string(reason))
		s.logg.Info(s.logg.WithField(logCtx, "reason", reason), "coupon rejected")
		return
	}
	count(outcomeOK)
	if coupon != nil {
		s.metrics.ObserveDiscount(coupon.DiscountType.String(), discount.InexactFloat64())
	}
	s.logg.Info(s.logg.WithField(logCtx, "discount", discount.StringFixed(2)), "coupon applied")
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	return s.db.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		coupon, err := s.load(ctx, txRepo, id)
		if err != nil {
			return err
		}
		rows, err := txRepo.Delete(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete coupon")
		}
		if rows == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "Coupon not found")
		}
		return s.emit(ctx, tx, enums.EventCouponDeleted, coupon.ID, &outbox.ActorRef{Source: sourceAdmin},
			payloads.CouponDeletedEvent{
				CouponID:   coupon.ID,
				Code:       coupon.Code,
				UsageCount: coupon.UsageCount,
				DeletedAt:  now,
			}, now)
	})
}

// ExpireStale persists the expired status for up to limit coupons whose
// window closed at or before now and returns how many were updated.
func (s *service) ExpireStale(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	now = now.UTC()
	expired := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)
		rows, err := txRepo.ListExpirable(ctx, now, limit)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expirable coupons")
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		updated, err := txRepo.MarkExpired(ctx, ids, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark coupons expired")
		}

		var emitErr error
		for _, row := range rows {
			emitErr = multierr.Append(emitErr, s.emit(ctx, tx, enums.EventCouponExpired, row.ID,
				&outbox.ActorRef{Source: sourceSweep},
				payloads.CouponExpiredEvent{
					CouponID:       row.ID,
					Code:           row.Code,
					PreviousStatus: row.Status,
					EndDate:        row.EndDate,
					ExpiredAt:      now,
				}, now))
		}
		if emitErr != nil {
			return emitErr
		}
		expired = int(updated)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.metrics.AddExpired(expired)
	return expired, nil
}

func (s *service) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, couponID uuid.UUID, actor *outbox.ActorRef, data any, now time.Time) error {
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateCoupon,
		AggregateID:   couponID,
		Actor:         actor,
		Data:          data,
		OccurredAt:    now,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit "+string(eventType))
	}
	return nil
}

func checkCheckout(checkout Checkout) error {
	problems := map[string]string{}
	if models.NormalizeCouponCode(checkout.Code) == "" {
		problems["code"] = "code is required"
	}
	if checkout.TotalAmount.IsNegative() {
		problems["totalAmount"] = "totalAmount cannot be negative"
	}
	if len(problems) > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid checkout").WithDetails(problems)
	}
	return nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cleanIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		id := strings.TrimSpace(value)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
