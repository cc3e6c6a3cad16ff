package coupons

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/multimart-backend/internal/repo"
	"github.com/angelmondragon/multimart-backend/pkg/db/models"
	"github.com/angelmondragon/multimart-backend/pkg/enums"
	"github.com/angelmondragon/multimart-backend/pkg/pagination"
)

// codeUniqueConstraint backs case-insensitive code uniqueness.
const codeUniqueConstraint = "coupons_code_key"

// Repository persists coupons and their usage ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, coupon *models.Coupon) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	FindRedeemableByCode(ctx context.Context, code, userID string, now time.Time) (*models.Coupon, error)
	FindUsage(ctx context.Context, couponID uuid.UUID, userID string) (*models.CouponUserUsage, error)
	List(ctx context.Context, query listQuery) ([]models.Coupon, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.CouponStatus, now time.Time) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) (int64, error)
	IncrementUsage(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	EnsureUserUsage(ctx context.Context, couponID uuid.UUID, userID string, now time.Time) error
	IncrementUserUsage(ctx context.Context, couponID uuid.UUID, userID string, limit *int, now time.Time) (bool, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Coupon, error)
	MarkExpired(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error)
}

type repository struct {
	repo.Base
}

// NewRepository builds a coupon repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: r.Bind(tx)}
}

func (r *repository) Create(ctx context.Context, coupon *models.Coupon) error {
	if coupon.ID == uuid.Nil {
		coupon.ID = uuid.New()
	}
	return r.DB(ctx).Omit(clause.Associations).Create(coupon).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.DB(ctx).
		Preload("UserUsage", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC").Order("id ASC")
		}).
		Where("id = ?", id).
		First(&coupon).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// FindRedeemableByCode loads an active coupon inside its window, with only
// userID's usage row attached. A miss returns gorm.ErrRecordNotFound.
func (r *repository) FindRedeemableByCode(ctx context.Context, code, userID string, now time.Time) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.DB(ctx).
		Preload("UserUsage", "user_id = ?", userID).
		Where("code = ?", models.NormalizeCouponCode(code)).
		Where("status = ?", enums.CouponStatusActive).
		Where("start_date <= ? AND end_date > ?", now, now).
		First(&coupon).Error
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (r *repository) FindUsage(ctx context.Context, couponID uuid.UUID, userID string) (*models.CouponUserUsage, error) {
	var usage models.CouponUserUsage
	found, err := repo.FirstOrMiss(r.DB(ctx).Where("coupon_id = ? AND user_id = ?", couponID, userID), &usage)
	if err != nil || !found {
		return nil, err
	}
	return &usage, nil
}

type listQuery struct {
	search  string
	status  *enums.CouponStatus
	kind    *enums.CouponType
	storeID string
	now     time.Time
	limit   int
	cursor  *pagination.Cursor
}

// List returns up to query.limit rows newest first. Callers pass limit+1 to
// detect a following page.
func (r *repository) List(ctx context.Context, query listQuery) ([]models.Coupon, error) {
	db := r.DB(ctx).Model(&models.Coupon{})

	if search := strings.ToLower(strings.TrimSpace(query.search)); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		db = db.Where("(LOWER(code) LIKE ? ESCAPE '\\' OR LOWER(title) LIKE ? ESCAPE '\\')", pattern, pattern)
	}
	if query.status != nil {
		switch *query.status {
		case enums.CouponStatusExpired:
			db = db.Where("(status = ? OR end_date <= ?)", enums.CouponStatusExpired, query.now)
		default:
			db = db.Where("status = ? AND end_date > ?", *query.status, query.now)
		}
	}
	if query.kind != nil {
		db = db.Where("type = ?", *query.kind)
	}
	if query.storeID != "" {
		db = db.Where("store_id = ?", query.storeID)
	}
	if query.cursor != nil {
		db = db.Where("(created_at < ? OR (created_at = ? AND id < ?))",
			query.cursor.CreatedAt, query.cursor.CreatedAt, query.cursor.ID)
	}

	var rows []models.Coupon
	err := db.
		Order("created_at DESC").
		Order("id DESC").
		Limit(query.limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.CouponStatus, now time.Time) (int64, error) {
	res := r.DB(ctx).Model(&models.Coupon{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"status":     status,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// Delete removes the coupon and its usage rows. The foreign key cascades on
// Postgres; the explicit delete keeps other drivers consistent.
func (r *repository) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	db := r.DB(ctx)
	if err := db.Where("coupon_id = ?", id).Delete(&models.CouponUserUsage{}).Error; err != nil {
		return 0, err
	}
	res := db.Where("id = ?", id).Delete(&models.Coupon{})
	return res.RowsAffected, res.Error
}

// IncrementUsage bumps usage_count only while the coupon is redeemable and
// below its total limit. false means the guard rejected the update.
func (r *repository) IncrementUsage(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.Coupon{}).
		Where("id = ?", id).
		Where("status = ?", enums.CouponStatusActive).
		Where("start_date <= ? AND end_date > ?", now, now).
		Where("(usage_limit_total IS NULL OR usage_count < usage_limit_total)").
		UpdateColumns(map[string]any{
			"usage_count": gorm.Expr("usage_count + 1"),
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) EnsureUserUsage(ctx context.Context, couponID uuid.UUID, userID string, now time.Time) error {
	usage := models.CouponUserUsage{
		ID:        uuid.New(),
		CouponID:  couponID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return r.DB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "coupon_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&usage).Error
}

// IncrementUserUsage bumps the user's count, guarded by limit when set.
func (r *repository) IncrementUserUsage(ctx context.Context, couponID uuid.UUID, userID string, limit *int, now time.Time) (bool, error) {
	db := r.DB(ctx).Model(&models.CouponUserUsage{}).
		Where("coupon_id = ? AND user_id = ?", couponID, userID)
	if limit != nil {
		db = db.Where("redemption_count < ?", *limit)
	}
	res := db.UpdateColumns(map[string]any{
		"redemption_count": gorm.Expr("redemption_count + 1"),
		"updated_at":       now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListExpirable claims coupons whose window closed but whose stored status
// is not yet expired. Concurrent sweeps skip rows already claimed.
func (r *repository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Coupon, error) {
	var rows []models.Coupon
	err := r.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status <> ?", enums.CouponStatusExpired).
		Where("end_date <= ?", now).
		Order("end_date ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) MarkExpired(ctx context.Context, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.DB(ctx).Model(&models.Coupon{}).
		Where("id IN ?", ids).
		Where("status <> ?", enums.CouponStatusExpired).
		UpdateColumns(map[string]any{
			"status":     enums.CouponStatusExpired,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
