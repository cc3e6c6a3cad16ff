package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/multimart-backend/pkg/logger"
)

const (
	couponExpiryBatchSize  = 500
	couponExpiryMaxBatches = 200
)

type couponExpirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, error)
}

type CouponExpiryJobParams struct {
	Logger    *logger.Logger
	Coupons   couponExpirer
	BatchSize int
}

// NewCouponExpiryJob persists the expired status for coupons whose end date
// has passed. Reads already treat them as expired; the sweep keeps stored
// rows and downstream consumers in step.
func NewCouponExpiryJob(params CouponExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Coupons == nil {
		return nil, fmt.Errorf("coupon service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = couponExpiryBatchSize
	}
	return &couponExpiryJob{
		logg:    params.Logger,
		coupons: params.Coupons,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type couponExpiryJob struct {
	logg    *logger.Logger
	coupons couponExpirer
	batch   int
	now     func() time.Time
}

func (j *couponExpiryJob) Name() string { return "coupon-expiry" }

func (j *couponExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	total := 0
	batches := 0
	for batches < couponExpiryMaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := j.coupons.ExpireStale(ctx, now, j.batch)
		if err != nil {
			return fmt.Errorf("expire coupons after %d rows: %w", total, err)
		}
		batches++
		total += expired
		if expired < j.batch {
			break
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"as_of":   now,
		"expired": total,
		"batches": batches,
	})
	if batches == couponExpiryMaxBatches {
		j.logg.Warn(logCtx, "coupon expiry stopped at batch cap; remaining rows roll to next cycle")
		return nil
	}
	j.logg.Info(logCtx, "coupon expiry sweep complete")
	return nil
}
