package httpx

import (
	"log/slog"
	"net/http"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// Default request budgets. Credential endpoints get a tighter window than the
// general API.
var (
	DefaultAPIRateLimit   = RateLimitPolicy{Name: "api", Limit: 100, Window: time.Minute}
	DefaultLoginRateLimit = RateLimitPolicy{Name: "login", Limit: 10, Window: time.Minute}
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Login      *service.LoginService
	Sessions   *service.SessionManager
	Refresh    *service.RefreshTokenService
	TwoFactor  *service.TwoFactorService
	Lockout    *service.AccountLockoutService
	RBAC       *service.RBACService
	Limiter    *service.RateLimiter
	Identities ports.IdentityStore

	// Optional: external IdP login flow.
	SSOProvider ports.AuthProvider

	// Optional: audit review endpoint.
	Audit AuditLister

	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// honored when resolving the client address. Empty means the socket
	// address is always used.
	TrustedProxies []string

	CookieDomain string
	Logger       *slog.Logger
	Clock        func() time.Time

	// Zero values fall back to the package defaults.
	APIRateLimit   RateLimitPolicy
	LoginRateLimit RateLimitPolicy
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := services.Clock
	if clock == nil {
		clock = time.Now
	}
	apiPolicy := services.APIRateLimit
	if apiPolicy.Limit == 0 {
		apiPolicy = DefaultAPIRateLimit
	}
	loginPolicy := services.LoginRateLimit
	if loginPolicy.Limit == 0 {
		loginPolicy = DefaultLoginRateLimit
	}

	mux := http.NewServeMux()

	authHandlers := &AuthHandlers{
		Svc:          services.Login,
		Sessions:     services.Sessions,
		Refresh:      services.Refresh,
		TwoFactor:    services.TwoFactor,
		Identities:   services.Identities,
		CookieDomain: services.CookieDomain,
		Logger:       logger,
		Clock:        clock,
	}

	chains := routeChains{
		limitAPI:       noopIfNil(services.Limiter, RateLimit(services.Limiter, apiPolicy, clock)),
		limitLogin:     noopIfNil(services.Limiter, RateLimit(services.Limiter, loginPolicy, clock)),
		auth:           RequireAuth(services.Sessions),
		elevated:       RequireTwoFactor(services.TwoFactor, enrolledLookup(services.Identities)),
		admin:          RequireRole(domainauth.RoleAdmin),
		manageIdentity: RequireCapability(services.RBAC, domainauth.ActionManage, domainauth.ResourceIdentity),
		manageSession:  RequireCapability(services.RBAC, domainauth.ActionManage, domainauth.ResourceSession),
	}

	registerAuthRoutes(mux, authHandlers, chains)
	registerAdminRoutes(mux, &AdminHandlers{
		Lockout:  services.Lockout,
		Sessions: services.Sessions,
		Login:    services.Login,
		Limiter:  services.Limiter,
		Audit:    services.Audit,
		Logger:   logger,
		Clock:    clock,
	}, chains)

	if services.SSOProvider != nil {
		registerSSORoutes(mux, &SSOHandlers{
			Provider:     services.SSOProvider,
			Svc:          services.Login,
			Auth:         authHandlers,
			CookieDomain: services.CookieDomain,
			Logger:       logger,
		})
	}

	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	return RealIP(services.TrustedProxies)(Logging(logger)(Recover(logger)(mux)))
}

// routeChains bundles the middleware applied per route group.
type routeChains struct {
	limitAPI       func(http.Handler) http.Handler
	limitLogin     func(http.Handler) http.Handler
	auth           func(http.Handler) http.Handler
	elevated       func(http.Handler) http.Handler
	admin          func(http.Handler) http.Handler
	manageIdentity func(http.Handler) http.Handler
	manageSession  func(http.Handler) http.Handler
}

func noopIfNil(limiter *service.RateLimiter, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(h http.Handler) http.Handler { return h }
	}
	return mw
}

// enrolledLookup reports whether the session's identity has 2FA enrolled, so
// the elevation gate only applies to enrolled identities. Lookup failures err
// toward requiring elevation.
func enrolledLookup(identities ports.IdentityStore) func(r *http.Request, sess domainauth.Session) bool {
	return func(r *http.Request, sess domainauth.Session) bool {
		identity, err := identities.GetByID(r.Context(), sess.IdentityID)
		if err != nil {
			return true
		}
		return identity.TwoFactorEnabled
	}
}

func registerAuthRoutes(mux *http.ServeMux, h *AuthHandlers, c routeChains) {
	// Credential exchange, tightly rate limited.
	mux.Handle("POST /api/auth/login", c.limitLogin(http.HandlerFunc(h.Login)))
	mux.Handle("POST /api/auth/login/2fa", c.limitLogin(http.HandlerFunc(h.CompleteTwoFactor)))
	mux.Handle("POST /api/auth/refresh", c.limitAPI(http.HandlerFunc(h.RefreshTokens)))
	mux.Handle("POST /api/auth/password-reset", c.limitLogin(http.HandlerFunc(h.StartPasswordReset)))
	mux.Handle("POST /api/auth/password-reset/confirm", c.limitLogin(http.HandlerFunc(h.ConfirmPasswordReset)))
	mux.Handle("POST /api/auth/verify-email", c.limitAPI(http.HandlerFunc(h.VerifyEmail)))
	mux.Handle("GET /auth/status", c.limitAPI(http.HandlerFunc(h.Status)))

	// Session management for the authenticated caller.
	authed := func(hf http.HandlerFunc) http.Handler {
		return c.limitAPI(c.auth(hf))
	}
	mux.Handle("POST /api/auth/logout", authed(h.Logout))
	mux.Handle("POST /api/auth/logout-all", authed(h.LogoutAll))
	mux.Handle("GET /api/auth/sessions", authed(h.ListSessions))
	mux.Handle("DELETE /api/auth/sessions/{id}", authed(h.RevokeSession))
	mux.Handle("POST /api/auth/verify-email/request", authed(h.RequestEmailVerification))

	// Two-factor management.
	mux.Handle("POST /api/auth/2fa/enroll", authed(h.EnrollTwoFactor))
	mux.Handle("POST /api/auth/2fa/verify", authed(h.VerifyTwoFactor))
	mux.Handle("GET /api/auth/2fa/backup-codes", authed(h.BackupCodeStatus))
	// Disabling 2FA needs a fresh second-factor verification.
	mux.Handle("POST /api/auth/2fa/disable", c.limitAPI(c.auth(c.elevated(http.HandlerFunc(h.DisableTwoFactor)))))
}

func registerAdminRoutes(mux *http.ServeMux, h *AdminHandlers, c routeChains) {
	// Identity and session management go through the capability table; the
	// operational endpoints have no resource kind and stay on the role gate.
	identityAdmin := func(hf http.HandlerFunc) http.Handler {
		return c.limitAPI(c.auth(c.manageIdentity(hf)))
	}
	sessionAdmin := func(hf http.HandlerFunc) http.Handler {
		return c.limitAPI(c.auth(c.manageSession(hf)))
	}
	adminOnly := func(hf http.HandlerFunc) http.Handler {
		return c.limitAPI(c.auth(c.admin(hf)))
	}
	mux.Handle("POST /api/admin/identities/{id}/unlock", identityAdmin(h.UnlockIdentity))
	mux.Handle("GET /api/admin/identities/{id}/sessions", sessionAdmin(h.ListIdentitySessions))
	mux.Handle("POST /api/admin/identities/{id}/logout", sessionAdmin(h.RevokeIdentitySessions))
	mux.Handle("POST /api/admin/rate-limits/reset", adminOnly(h.ResetRateLimit))
	mux.Handle("GET /api/admin/audit", adminOnly(h.ListAuditEvents))
}

func registerSSORoutes(mux *http.ServeMux, h *SSOHandlers) {
	mux.HandleFunc("GET /auth/sso/login", h.Begin)
	mux.HandleFunc("GET /auth/sso/callback", h.Callback)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
