package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/multimart-backend/api/controllers"
	"github.com/angelmondragon/multimart-backend/api/middleware"
	"github.com/angelmondragon/multimart-backend/internal/coupons"
	"github.com/angelmondragon/multimart-backend/pkg/config"
	"github.com/angelmondragon/multimart-backend/pkg/logger"
	"github.com/angelmondragon/multimart-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/multimart-backend/pkg/redis"
)

// RedisStore is the subset of the redis client the HTTP layer depends on.
type RedisStore interface {
	pkgredis.IdempotencyStore
	controllers.Pinger
	WindowHit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Deps collects everything the router wires into handlers.
type Deps struct {
	DB          controllers.Pinger
	Redis       RedisStore
	Coupons     coupons.Service
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	var redisStore RedisStore
	var idempotencyStore pkgredis.IdempotencyStore
	ready := map[string]controllers.Pinger{}
	if deps.DB != nil {
		ready["db"] = deps.DB
	}
	if deps.Redis != nil {
		redisStore = deps.Redis
		idempotencyStore = deps.Redis
		ready["redis"] = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, ready))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"coupons",
		cfg.RateLimit.CouponWindow,
		cfg.RateLimit.CouponIPLimit,
		cfg.RateLimit.CouponUserLimit,
	)
	limiter := middleware.CouponRateLimit(checkoutPolicy, redisStore, logg)

	r.Route("/api/v1/coupons", func(r chi.Router) {
		r.Post("/", controllers.CreateCoupon(deps.Coupons, logg))
		r.Get("/", controllers.ListCoupons(deps.Coupons, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.CheckoutIdentity(), limiter)
			r.Post("/validate", controllers.ValidateCoupon(deps.Coupons, logg))
			// idempotency runs per endpoint so the full route pattern is resolved
			r.With(middleware.Idempotency(idempotencyStore, logg)).
				Post("/redeem", controllers.RedeemCoupon(deps.Coupons, logg))
		})

		r.Route("/{couponId}", func(r chi.Router) {
			r.Get("/", controllers.GetCoupon(deps.Coupons, logg))
			r.Delete("/", controllers.DeleteCoupon(deps.Coupons, logg))
			r.Patch("/status", controllers.UpdateCouponStatus(deps.Coupons, logg))
		})
	})

	return r
}
