package httpx

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// RenderError maps domain errors to HTTP responses. Authentication failures
// render a uniform body regardless of cause; lockouts and rate limits carry
// enough detail for a well-behaved client to back off.
func RenderError(w http.ResponseWriter, err error, now time.Time) {
	var rateLimited *domainauth.RateLimitError
	if errors.As(err, &rateLimited) {
		writeRateLimited(w, service.Decision{
			Limit:   rateLimited.Limit,
			ResetAt: rateLimited.ResetAt,
		}, now)
		return
	}

	var locked *domainauth.LockoutError
	if errors.As(err, &locked) {
		WriteError(w, ErrorParams{
			Code:    http.StatusUnauthorized,
			ErrCode: "account_locked",
			Err:     locked,
			Extra: map[string]any{
				"lockoutRemaining": int(math.Ceil(locked.Remaining(now).Seconds())),
			},
		})
		return
	}

	switch {
	case errors.Is(err, domainauth.ErrValidation):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_request", Err: domainauth.ErrValidation})
	case errors.Is(err, domainauth.ErrTwoFactorRequired):
		WriteError(w, ErrorParams{Code: http.StatusForbidden, ErrCode: "two_factor_required", Err: domainauth.ErrTwoFactorRequired})
	case errors.Is(err, domainauth.ErrEmailNotVerified):
		WriteError(w, ErrorParams{Code: http.StatusForbidden, ErrCode: "email_not_verified", Err: domainauth.ErrEmailNotVerified})
	case errors.Is(err, domainauth.ErrAuthentication):
		// Uniform body: replay, bad password, and unknown account look alike.
		WriteError(w, ErrorParams{Code: http.StatusUnauthorized, ErrCode: "authentication_failed", Err: domainauth.ErrAuthentication})
	case errors.Is(err, domainauth.ErrAuthorization):
		WriteError(w, ErrorParams{Code: http.StatusForbidden, ErrCode: "insufficient_permissions", Err: domainauth.ErrAuthorization})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "internal_error", Err: errors.New("internal error")})
	}
}

// setRateLimitHeaders writes the X-RateLimit-* trio from a decision.
func setRateLimitHeaders(w http.ResponseWriter, decision service.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func writeRateLimited(w http.ResponseWriter, decision service.Decision, now time.Time) {
	setRateLimitHeaders(w, decision)
	retryAfter := int(math.Ceil(decision.ResetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, ErrorParams{
		Code:    http.StatusTooManyRequests,
		ErrCode: "rate_limited",
		Err:     &domainauth.RateLimitError{Limit: decision.Limit, ResetAt: decision.ResetAt},
	})
}
