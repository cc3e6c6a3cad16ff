package coupons

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/multimart-backend/pkg/db"
	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
	"github.com/angelmondragon/multimart-backend/pkg/metrics"
	"github.com/angelmondragon/multimart-backend/pkg/outbox"
)

type serviceFixture struct {
	conn    *gorm.DB
	svc     Service
	clock   *time.Time
	metrics *prometheus.Registry
}

func newServiceFixture(t *testing.T, rules RuleOptions) *serviceFixture {
	t.Helper()
	conn := openTestDB(t)
	clock := testNow
	reg := prometheus.NewRegistry()
	svc, err := NewService(ServiceParams{
		Repository: NewRepository(conn),
		DB:         db.NewFromConn(conn),
		Outbox:     outbox.NewService(outbox.NewRepository(conn), testLogger()),
		Metrics:    metrics.NewCouponMetrics(reg),
		Logger:     testLogger(),
		Rules:      rules,
		Now:        func() time.Time { return clock },
	})
	require.NoError(t, err)
	return &serviceFixture{conn: conn, svc: svc, clock: &clock, metrics: reg}
}

func (f *serviceFixture) outboxEvents(t *testing.T, eventType enums.OutboxEventType) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, f.conn.Where("event_type = ?", eventType).Order("created_at").Find(&rows).Error)
	return rows
}

func validCreateInput() CreateCouponInput {
	return CreateCouponInput{
		Code:            " summer20 ",
		Title:           "Summer sale",
		Type:            "general",
		DiscountType:    "percentage",
		DiscountValue:   dec("20"),
		MinimumPurchase: dec("0"),
		StartDate:       testNow.Add(-time.Hour),
		EndDate:         testNow.Add(30 * 24 * time.Hour),
	}
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestServiceCreateNormalizesCode(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	dto, err := f.svc.Create(context.Background(), validCreateInput())
	require.NoError(t, err)
	assert.Equal(t, "SUMMER20", dto.Code)
	assert.Equal(t, enums.CouponStatusActive, dto.Status)
	assert.Equal(t, []string{}, dto.Products)

	_, err = f.svc.Create(context.Background(), validCreateInput())
	requireCode(t, err, pkgerrors.CodeValidation)
	assert.Equal(t, "Coupon code already exists", pkgerrors.As(err).Message())
}

func TestServiceCreateValidation(t *testing.T) {
	cases := map[string]struct {
		mutate func(*CreateCouponInput)
		field  string
	}{
		"store type without store": {func(in *CreateCouponInput) { in.Type = "store" }, "store"},
		"product type without products": {func(in *CreateCouponInput) {
			in.Type = "product"
			in.Products = []string{" ", ""}
		}, "products"},
		"unknown type":          {func(in *CreateCouponInput) { in.Type = "bogus" }, "type"},
		"percentage above 100":  {func(in *CreateCouponInput) { in.DiscountValue = dec("120") }, "discountValue"},
		"zero discount":         {func(in *CreateCouponInput) { in.DiscountValue = decimal.Zero }, "discountValue"},
		"window inverted":       {func(in *CreateCouponInput) { in.EndDate = in.StartDate }, "endDate"},
		"expired initial state": {func(in *CreateCouponInput) { in.Status = "expired" }, "status"},
		"zero total limit":      {func(in *CreateCouponInput) { in.UsageLimitTotal = ptr(0) }, "usageLimit.total"},
		"empty code":            {func(in *CreateCouponInput) { in.Code = "   " }, "code"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t, RuleOptions{})
			input := validCreateInput()
			tc.mutate(&input)
			_, err := f.svc.Create(context.Background(), input)
			requireCode(t, err, pkgerrors.CodeValidation)
			details, ok := pkgerrors.As(err).Details().(map[string]string)
			require.True(t, ok)
			assert.Contains(t, details, tc.field)
		})
	}
}

func TestServiceCreateStoreCoupon(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	input := validCreateInput()
	input.Type = "store"
	input.StoreID = ptr(" store-7 ")
	dto, err := f.svc.Create(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, dto.Store)
	assert.Equal(t, "store-7", *dto.Store)
}

func TestServiceListReportsExpiredWithoutWriting(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	past := mustCreateCoupon(t, f.conn, "PAST", withWindow(testNow.Add(-72*time.Hour), testNow.Add(-time.Minute)))
	mustCreateCoupon(t, f.conn, "CURRENT")

	result, err := f.svc.List(context.Background(), ListParams{})
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		if item.ID == past.ID {
			assert.Equal(t, enums.CouponStatusExpired, item.Status)
		} else {
			assert.Equal(t, enums.CouponStatusActive, item.Status)
		}
	}

	var stored models.Coupon
	require.NoError(t, f.conn.Where("id = ?", past.ID).First(&stored).Error)
	assert.Equal(t, enums.CouponStatusActive, stored.Status, "listing must not mutate rows")

	filtered, err := f.svc.List(context.Background(), ListParams{Status: "expired"})
	require.NoError(t, err)
	require.Len(t, filtered.Items, 1)
	assert.Equal(t, "PAST", filtered.Items[0].Code)
}

func TestServiceListPagination(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	for i, code := range []string{"A1", "A2", "A3"} {
		mustCreateCoupon(t, f.conn, code, withCreatedAt(testNow.Add(time.Duration(i)*time.Minute)))
	}

	page, err := f.svc.List(context.Background(), ListParams{Params: paginationParams(2, "")})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "A3", page.Items[0].Code)
	require.NotEmpty(t, page.Cursor)

	next, err := f.svc.List(context.Background(), ListParams{Params: paginationParams(2, page.Cursor)})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "A1", next.Items[0].Code)
	assert.Empty(t, next.Cursor)

	_, err = f.svc.List(context.Background(), ListParams{Status: "pending"})
	requireCode(t, err, pkgerrors.CodeValidation)
	_, err = f.svc.List(context.Background(), ListParams{Params: paginationParams(2, "%%%")})
	requireCode(t, err, pkgerrors.CodeValidation)
}

func TestServiceGetIncludesLedger(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "LEDGER")
	_, err := f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("ledger", "u1")})
	require.NoError(t, err)

	dto, err := f.svc.Get(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, dto.UsageCount)
	assert.Equal(t, []UserUsageDTO{{User: "u1", Count: 1}}, dto.UserUsage)

	_, err = f.svc.Get(context.Background(), uuid.New())
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestServiceCheckoutShowsCallerLedgerOnly(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "SHARED")
	for _, user := range []string{"u1", "u2"} {
		_, err := f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("SHARED", user)})
		require.NoError(t, err)
	}

	result, err := f.svc.Validate(context.Background(), checkoutFor("SHARED", "u2"))
	require.NoError(t, err)
	assert.Equal(t, []UserUsageDTO{{User: "u2", Count: 1}}, result.Coupon.UserUsage)
	assert.Equal(t, 2, result.Coupon.UsageCount)

	fresh, err := f.svc.Validate(context.Background(), checkoutFor("SHARED", "u3"))
	require.NoError(t, err)
	assert.Empty(t, fresh.Coupon.UserUsage)

	full, err := f.svc.Get(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Len(t, full.UserUsage, 2)
}

func TestServiceUpdateStatus(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "TOGGLE")

	dto, err := f.svc.UpdateStatus(context.Background(), coupon.ID, "inactive")
	require.NoError(t, err)
	assert.Equal(t, enums.CouponStatusInactive, dto.Status)
	require.Len(t, f.outboxEvents(t, enums.EventCouponStatusChanged), 1)

	_, err = f.svc.UpdateStatus(context.Background(), coupon.ID, "inactive")
	require.NoError(t, err)
	assert.Len(t, f.outboxEvents(t, enums.EventCouponStatusChanged), 1, "no event when status is unchanged")

	_, err = f.svc.UpdateStatus(context.Background(), coupon.ID, "expired")
	requireCode(t, err, pkgerrors.CodeValidation)
	_, err = f.svc.UpdateStatus(context.Background(), coupon.ID, "paused")
	requireCode(t, err, pkgerrors.CodeValidation)
	_, err = f.svc.UpdateStatus(context.Background(), uuid.New(), "active")
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestServiceValidateExamples(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	mustCreateCoupon(t, f.conn, "CAPPED", func(c *models.Coupon) {
		c.DiscountValue = dec("20")
		c.MaximumDiscount = decimal.NewNullDecimal(dec("50"))
	})
	mustCreateCoupon(t, f.conn, "MIN200", func(c *models.Coupon) { c.MinimumPurchase = dec("200") })
	once := mustCreateCoupon(t, f.conn, "ONCE", withLimits(ptr(1), nil))
	require.NoError(t, NewRepository(f.conn).EnsureUserUsage(context.Background(), once.ID, "u1", testNow))
	_, err := NewRepository(f.conn).IncrementUserUsage(context.Background(), once.ID, "u1", nil, testNow)
	require.NoError(t, err)

	result, err := f.svc.Validate(context.Background(), checkoutFor("capped", "u1"))
	require.NoError(t, err)
	assert.True(t, result.Discount.Equal(dec("50")), "got %s", result.Discount)

	checkout := checkoutFor("MIN200", "u1")
	checkout.TotalAmount = dec("150")
	_, err = f.svc.Validate(context.Background(), checkout)
	requireReason(t, err, ReasonBelowMinimum)
	assert.Contains(t, pkgerrors.As(err).Message(), "200")

	_, err = f.svc.Validate(context.Background(), checkoutFor("ONCE", "u1"))
	requireReason(t, err, ReasonPerUserLimitReached)

	_, err = f.svc.Validate(context.Background(), checkoutFor("NOPE", "u1"))
	requireReason(t, err, ReasonNotFound)

	_, err = f.svc.Validate(context.Background(), Checkout{TotalAmount: dec("10")})
	requireCode(t, err, pkgerrors.CodeValidation)

	mfs, err := f.metrics.Gather()
	require.NoError(t, err)
	var applied float64
	for _, mf := range mfs {
		if mf.GetName() != "multimart_coupons_validations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetLabel()[0].GetValue() == outcomeOK {
				applied = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), applied)
}

func TestServiceValidateHasNoSideEffects(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "PURE")

	_, err := f.svc.Validate(context.Background(), checkoutFor("PURE", "u1"))
	require.NoError(t, err)

	found, err := NewRepository(f.conn).FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Zero(t, found.UsageCount)
	assert.Empty(t, found.UserUsage)
	assert.Empty(t, f.outboxEvents(t, enums.EventCouponRedeemed))
}

func TestServiceValidateRespectsRuleOptions(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{EnforceCategoryScope: true, ClampFixedDiscount: true})
	mustCreateCoupon(t, f.conn, "CATS", withType(enums.CouponTypeCategory),
		func(c *models.Coupon) { c.Categories = []string{"bakery"} })
	mustCreateCoupon(t, f.conn, "FLAT", func(c *models.Coupon) {
		c.DiscountType = enums.DiscountTypeFixed
		c.DiscountValue = dec("80")
	})

	_, err := f.svc.Validate(context.Background(), checkoutFor("CATS", "u1"))
	requireReason(t, err, ReasonCategoryMismatch)

	checkout := checkoutFor("FLAT", "u1")
	checkout.TotalAmount = dec("30")
	result, err := f.svc.Validate(context.Background(), checkout)
	require.NoError(t, err)
	assert.True(t, result.Discount.Equal(dec("30")))
}

func TestServiceRedeemUpdatesLedgerAndEmits(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "REDEEM", withLimits(ptr(2), ptr(10)))

	result, err := f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("redeem", "u1"), OrderID: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Coupon.UsageCount)
	assert.Equal(t, "order-1", result.OrderID)
	assert.True(t, result.Discount.Equal(dec("50")))

	_, err = f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("redeem", "u1")})
	require.NoError(t, err)
	_, err = f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("redeem", "u1")})
	requireReason(t, err, ReasonPerUserLimitReached)

	found, err := NewRepository(f.conn).FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, found.UsageCount)
	require.Len(t, found.UserUsage, 1)
	assert.Equal(t, 2, found.UserUsage[0].Count)

	events := f.outboxEvents(t, enums.EventCouponRedeemed)
	require.Len(t, events, 2)
	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(events[0].Payload, &envelope))
	require.NotNil(t, envelope.Actor)
	assert.Equal(t, "u1", envelope.Actor.UserID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(envelope.Data, &payload))
	assert.Equal(t, "order-1", payload["order_id"])

	_, err = f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("redeem", "")})
	requireCode(t, err, pkgerrors.CodeValidation)
}

func TestServiceConcurrentRedemptionsNeverExceedTotal(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "RUSH", withLimits(nil, ptr(5)))

	const attempts = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		rejected int
		other    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Redeem(context.Background(), RedeemInput{
				Checkout: checkoutFor("RUSH", uuid.NewString()),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case ReasonOf(err) == ReasonTotalLimitReached:
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 5, success)
	assert.Equal(t, attempts-5, rejected)

	found, err := NewRepository(f.conn).FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, found.UsageCount)
	assert.Len(t, f.outboxEvents(t, enums.EventCouponRedeemed), 5)
}

func TestServiceRedeemRollsBackOnEmitFailure(t *testing.T) {
	conn := openTestDB(t)
	svc, err := NewService(ServiceParams{
		Repository: NewRepository(conn),
		DB:         db.NewFromConn(conn),
		Outbox:     failingEmitter{},
		Logger:     testLogger(),
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	coupon := mustCreateCoupon(t, conn, "ROLLBACK")

	_, err = svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("ROLLBACK", "u1")})
	requireCode(t, err, pkgerrors.CodeInternal)

	found, err := NewRepository(conn).FindByID(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Zero(t, found.UsageCount)
	assert.Empty(t, found.UserUsage)
}

func TestServiceDelete(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	coupon := mustCreateCoupon(t, f.conn, "DELETE")
	_, err := f.svc.Redeem(context.Background(), RedeemInput{Checkout: checkoutFor("DELETE", "u1")})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), coupon.ID))
	requireCode(t, f.svc.Delete(context.Background(), coupon.ID), pkgerrors.CodeNotFound)

	var usage int64
	require.NoError(t, f.conn.Model(&models.CouponUserUsage{}).Count(&usage).Error)
	assert.Zero(t, usage)
	assert.Len(t, f.outboxEvents(t, enums.EventCouponDeleted), 1)
}

func TestServiceExpireStaleIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, RuleOptions{})
	for _, code := range []string{"OLD1", "OLD2", "OLD3"} {
		mustCreateCoupon(t, f.conn, code, withWindow(testNow.Add(-72*time.Hour), testNow.Add(-time.Hour)))
	}
	mustCreateCoupon(t, f.conn, "FRESH")

	expired, err := f.svc.ExpireStale(context.Background(), testNow, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	expired, err = f.svc.ExpireStale(context.Background(), testNow, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	expired, err = f.svc.ExpireStale(context.Background(), testNow, 2)
	require.NoError(t, err)
	assert.Zero(t, expired)

	var stored []models.Coupon
	require.NoError(t, f.conn.Where("status = ?", enums.CouponStatusExpired).Find(&stored).Error)
	assert.Len(t, stored, 3)
	assert.Len(t, f.outboxEvents(t, enums.EventCouponExpired), 3)

	expired, err = f.svc.ExpireStale(context.Background(), testNow, 0)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, *gorm.DB, outbox.DomainEvent) error {
	return errors.New("outbox unavailable")
}

func checkoutFor(code, userID string) Checkout {
	return Checkout{
		Code:        code,
		UserID:      userID,
		StoreID:     "store-1",
		Items:       []CartItem{{ProductID: "p1", CategoryID: "produce"}},
		TotalAmount: dec("500"),
	}
}
