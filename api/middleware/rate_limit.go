package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/multimart-backend/api/responses"
	pkgerrors "github.com/angelmondragon/multimart-backend/pkg/errors"
	"github.com/angelmondragon/multimart-backend/pkg/logger"
)

const maxIdentityBodyBytes = 1 << 20

type rateLimiterStore interface {
	WindowHit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimitPolicy defines the throttling parameters for a traffic surface.
type RateLimitPolicy struct {
	name      string
	window    time.Duration
	ipLimit   int
	userLimit int
}

// NewRateLimitPolicy builds a policy with the supplied window and limits.
func NewRateLimitPolicy(name string, window time.Duration, ipLimit, userLimit int) RateLimitPolicy {
	return RateLimitPolicy{
		name:      strings.ToLower(strings.TrimSpace(name)),
		window:    window,
		ipLimit:   ipLimit,
		userLimit: userLimit,
	}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.userLimit > 0)
}

func (p RateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "coupons"
	}
	return p.name
}

func (p RateLimitPolicy) ipKey(ip string) string {
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("rl:ip:%s:%s", p.normalizedName(), ip)
}

func (p RateLimitPolicy) userKey(hash string) string {
	if hash == "" {
		return ""
	}
	return fmt.Sprintf("rl:user:%s:%s", p.normalizedName(), hash)
}

// CheckoutIdentity lifts userId and storeId from a checkout body into the
// request context. The body is restored for the handler.
func CheckoutIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdentityBodyBytes))
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeValidation, "request body too large"))
				return
			}
			if err != nil {
				responses.WriteError(r.Context(), nil, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			userID, storeID := extractIdentity(body)
			ctx := r.Context()
			if userID != "" {
				ctx = WithUserID(ctx, userID)
			}
			if storeID != "" {
				ctx = WithStoreID(ctx, storeID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CouponRateLimit enforces per-IP and per-user counters on checkout endpoints.
// The user counter needs CheckoutIdentity earlier in the chain.
func CouponRateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := clientIP(r)
			if policy.ipLimit > 0 {
				if key := policy.ipKey(ip); key != "" {
					hit, err := allow(ctx, store, key, policy.window, int64(policy.ipLimit))
					if err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if !hit.allowed {
						respondRateLimited(ctx, logg, w, policy, "ip", ip, "", hit, policy.ipLimit)
						return
					}
				}
			}

			if policy.userLimit > 0 {
				if userID := UserIDFromContext(ctx); userID != "" {
					hash := hashValue(userID)
					hit, err := allow(ctx, store, policy.userKey(hash), policy.window, int64(policy.userLimit))
					if err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if !hit.allowed {
						respondRateLimited(ctx, logg, w, policy, "user", "", hash, hit, policy.userLimit)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

type windowHit struct {
	allowed bool
	count   int64
	resetIn time.Duration
}

func allow(ctx context.Context, store rateLimiterStore, key string, window time.Duration, limit int64) (windowHit, error) {
	count, resetIn, err := store.WindowHit(ctx, key, window)
	if err != nil {
		return windowHit{}, err
	}
	if resetIn <= 0 || resetIn > window {
		resetIn = window
	}
	return windowHit{allowed: count <= limit, count: count, resetIn: resetIn}, nil
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy RateLimitPolicy, scope, ip, userHash string, hit windowHit, limit int) {
	retryAfter := retryAfterSeconds(hit.resetIn)
	if logg != nil {
		fields := map[string]any{
			"scope":               scope,
			"policy":              policy.normalizedName(),
			"attempts":            hit.count,
			"limit":               limit,
			"retry_after_seconds": retryAfter,
		}
		if ip != "" {
			fields["ip"] = ip
		}
		if userHash != "" {
			fields["user_hash"] = userHash
		}
		logg.Warn(logg.WithFields(ctx, fields), "coupons.rate_limit.blocked")
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractIdentity(payload []byte) (string, string) {
	var body struct {
		UserID  string `json:"userId"`
		StoreID string `json:"storeId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", ""
	}
	return strings.TrimSpace(body.UserID), strings.TrimSpace(body.StoreID)
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
