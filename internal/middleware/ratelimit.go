package middleware

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/ruralpay/ledgercore/internal/apperror"
	"github.com/ruralpay/ledgercore/internal/services"
)

// IPRateLimit is a coarse per-address flood guard in front of the API. The
// per-operation token buckets are enforced by the services.
func IPRateLimit(rps float64, burst int, ttl time.Duration) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	if burst > 0 {
		lmt.SetBurst(burst)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpError := tollbooth.LimitByRequest(lmt, w, r); httpError != nil {
				services.SendErrorResponse(w, apperror.New(apperror.CodeRateLimitExceeded, httpError.Message))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
