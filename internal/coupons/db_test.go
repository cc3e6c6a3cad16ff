package coupons

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
	"github.com/angelmondragon/multimart-backend/pkg/logger"
	"github.com/angelmondragon/multimart-backend/pkg/pagination"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

const sqliteSchema = `
CREATE TABLE coupons (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT,
	type TEXT NOT NULL,
	discount_type TEXT NOT NULL,
	discount_value TEXT NOT NULL,
	minimum_purchase TEXT NOT NULL DEFAULT '0',
	maximum_discount TEXT,
	start_date DATETIME NOT NULL,
	end_date DATETIME NOT NULL,
	usage_limit_per_user INTEGER,
	usage_limit_total INTEGER,
	usage_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	store_id TEXT,
	products TEXT NOT NULL DEFAULT '{}',
	categories TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME,
	updated_at DATETIME
);
CREATE UNIQUE INDEX coupons_code_key ON coupons (code);
CREATE TABLE coupon_user_usages (
	id TEXT PRIMARY KEY,
	coupon_id TEXT NOT NULL REFERENCES coupons (id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	redemption_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME,
	UNIQUE (coupon_id, user_id)
);
CREATE TABLE outbox_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME,
	published_at DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);`

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.Exec(sqliteSchema).Error)
	return conn
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "coupons-test", Output: io.Discard})
}

type couponOption func(*models.Coupon)

func withType(kind enums.CouponType) couponOption {
	return func(c *models.Coupon) { c.Type = kind }
}

func withStatus(status enums.CouponStatus) couponOption {
	return func(c *models.Coupon) { c.Status = status }
}

func withWindow(start, end time.Time) couponOption {
	return func(c *models.Coupon) {
		c.StartDate = start
		c.EndDate = end
	}
}

func withLimits(perUser, total *int) couponOption {
	return func(c *models.Coupon) {
		c.UsageLimitPerUser = perUser
		c.UsageLimitTotal = total
	}
}

func withCreatedAt(at time.Time) couponOption {
	return func(c *models.Coupon) {
		c.CreatedAt = at
		c.UpdatedAt = at
	}
}

func mustCreateCoupon(t *testing.T, conn *gorm.DB, code string, opts ...couponOption) *models.Coupon {
	t.Helper()
	coupon := &models.Coupon{
		ID:              uuid.New(),
		Code:            code,
		Title:           fmt.Sprintf("%s promo", code),
		Type:            enums.CouponTypeGeneral,
		DiscountType:    enums.DiscountTypePercentage,
		DiscountValue:   decimal.NewFromInt(10),
		MinimumPurchase: decimal.Zero,
		StartDate:       testNow.Add(-48 * time.Hour),
		EndDate:         testNow.Add(48 * time.Hour),
		Status:          enums.CouponStatusActive,
		Products:        pq.StringArray{},
		Categories:      pq.StringArray{},
		CreatedAt:       testNow.Add(-72 * time.Hour),
		UpdatedAt:       testNow.Add(-72 * time.Hour),
	}
	for _, opt := range opts {
		opt(coupon)
	}
	require.NoError(t, NewRepository(conn).Create(t.Context(), coupon))
	return coupon
}

func paginationParams(limit int, cursor string) pagination.Params {
	return pagination.Params{Limit: limit, Cursor: cursor}
}
