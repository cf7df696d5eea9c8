package httpx

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// Logging returns a middleware that logs HTTP requests and responses.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			const defaultHTTPStatus = 200
			ww := &respWriter{ResponseWriter: w, status: defaultHTTPStatus}
			next.ServeHTTP(ww, r)
			logger.Info("http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recover returns a middleware that recovers from panics and logs them.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitPolicy names one fixed-window budget applied by the RateLimit
// middleware.
type RateLimitPolicy struct {
	// Name scopes the counter key so different routes get separate budgets.
	Name   string
	Limit  int
	Window time.Duration
}

// RateLimit returns a middleware enforcing a per-client-IP fixed window. The
// X-RateLimit-* headers are set on every response; an exhausted window gets a
// 429 with Retry-After.
func RateLimit(limiter *service.RateLimiter, policy RateLimitPolicy, clock func() time.Time) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ratelimit:" + policy.Name + ":" + ClientIP(r)
			decision, err := limiter.Allow(r.Context(), key, policy.Limit, policy.Window)
			if err != nil {
				RenderError(w, err, clock())
				return
			}
			if !decision.Allowed {
				writeRateLimited(w, decision, clock())
				return
			}
			setRateLimitHeaders(w, decision)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth returns a middleware that resolves and validates the session
// cookie (or bearer-less X-Session-Id header for API clients), touches the
// session, and stores it in the request context. Missing or invalid sessions
// get a uniform 401.
func RequireAuth(sessions *service.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			sess, err := sessions.Validate(r.Context(), sessionID)
			if err != nil {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "authentication_required",
					Err:     errors.New("authentication required"),
				})
				return
			}

			sessions.Touch(r.Context(), sess, ClientIP(r))

			ctx := SetSessionInContext(r.Context(), sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns a middleware that requires the authenticated session to
// meet a role. Must run after RequireAuth.
func RequireRole(required domainauth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "authentication_required",
					Err:     errors.New("authentication required"),
				})
				return
			}
			if !domainauth.HasRequiredRole(sess.Role, required) {
				WriteError(w, ErrorParams{
					Code:    http.StatusForbidden,
					ErrCode: "insufficient_permissions",
					Err:     errors.New("insufficient permissions"),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCapability returns a middleware that checks the capability table for
// an action on a resource kind. Must run after RequireAuth. Resource-instance
// fallbacks (ownership, team membership) are for handlers that know the
// resource ID; this gate is role-level only.
func RequireCapability(rbac *service.RBACService, action domainauth.Action, resource domainauth.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "authentication_required",
					Err:     errors.New("authentication required"),
				})
				return
			}
			if !rbac.HasCapability(sess.Role, action, resource) {
				WriteError(w, ErrorParams{
					Code:    http.StatusForbidden,
					ErrCode: "insufficient_permissions",
					Err:     errors.New("insufficient permissions"),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTwoFactor returns a middleware gating elevated routes on a current
// second-factor verification. Identities without 2FA enrolled pass; enrolled
// identities need an elevated session. Must run after RequireAuth.
func RequireTwoFactor(twoFactor *service.TwoFactorService, enrolled func(r *http.Request, sess domainauth.Session) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				WriteError(w, ErrorParams{
					Code:    http.StatusUnauthorized,
					ErrCode: "authentication_required",
					Err:     errors.New("authentication required"),
				})
				return
			}
			if enrolled != nil && !enrolled(r, sess) {
				next.ServeHTTP(w, r)
				return
			}
			if !twoFactor.SessionElevated(sess) {
				WriteError(w, ErrorParams{
					Code:    http.StatusForbidden,
					ErrCode: "two_factor_required",
					Err:     domainauth.ErrTwoFactorRequired,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionIDFromRequest reads the session cookie, falling back to the
// X-Session-Id header for non-browser clients.
func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get("X-Session-Id")
}

// ClientIP returns the requester's IP from the socket address. Forwarded
// headers are never consulted here; RealIP rewrites RemoteAddr for requests
// arriving through a configured proxy, so a caller cannot mint fresh
// rate-limit identities by rotating X-Forwarded-For.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealIP returns a middleware that resolves the client address behind known
// proxies. When the direct peer matches trustedProxies (IPs or CIDRs),
// RemoteAddr is rewritten to the rightmost X-Forwarded-For hop that is not
// itself a trusted proxy. Requests from untrusted peers keep their socket
// address untouched.
func RealIP(trustedProxies []string) func(http.Handler) http.Handler {
	trusted := parseProxyList(trustedProxies)
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer := net.ParseIP(ClientIP(r))
			if peer != nil && trusted.contains(peer) {
				if client := forwardedClient(r.Header.Get("X-Forwarded-For"), trusted); client != "" {
					r.RemoteAddr = client
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type proxySet []*net.IPNet

// parseProxyList accepts CIDR ranges and bare IPs; malformed entries are
// dropped rather than silently widening trust.
func parseProxyList(entries []string) proxySet {
	set := make(proxySet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			set = append(set, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			set = append(set, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return set
}

func (s proxySet) contains(ip net.IP) bool {
	for _, network := range s {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// forwardedClient walks the X-Forwarded-For chain right to left, skipping
// trusted intermediaries. An unparseable hop ends the walk: everything left
// of it is attacker-controlled.
func forwardedClient(xff string, trusted proxySet) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return ""
		}
		if !trusted.contains(ip) {
			return ip.String()
		}
	}
	return ""
}
