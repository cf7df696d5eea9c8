package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/casetrail/tcm-ui-api/internal/ports"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// SSOHandlers provides HTTP handlers for the IdP-backed login flow.
type SSOHandlers struct {
	Provider ports.AuthProvider
	Svc      *service.LoginService
	Auth     *AuthHandlers

	CookieDomain string
	Logger       *slog.Logger
}

func (h *SSOHandlers) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Begin starts the SSO flow: stash state, nonce, and the requested post-login
// destination in cookies, then redirect to the identity provider.
// GET /auth/sso/login?redirect_uri=<optional_redirect>.
func (h *SSOHandlers) Begin(w http.ResponseWriter, r *http.Request) {
	redirectURI := safeRedirectPath(r.URL.Query().Get("redirect_uri"))

	callbackURL := url.URL{Path: "/auth/sso/callback"}
	authURL, state, nonce, err := h.Provider.Begin(r.Context(), ports.BeginInput{
		RedirectURL: callbackURL.String(),
	})
	if err != nil {
		h.logger().ErrorContext(r.Context(), "sso begin failed", "error", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "login_failed",
			Err:     errors.New("login initiation failed"),
		})
		return
	}

	h.setFlowCookies(w, r, flowCookieParams{State: state, Nonce: nonce, RedirectURI: redirectURI})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback completes the SSO flow: verify state against the cookie, exchange
// the code, establish the session, and send the browser on its way.
// GET /auth/sso/callback?code=<code>&state=<state>.
func (h *SSOHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_callback",
			Err:     errors.New("code and state parameters are required"),
		})
		return
	}

	stateCookie, err := r.Cookie("oauth_state")
	if err != nil || stateCookie.Value != state {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_state",
			Err:     errors.New("invalid or missing state parameter"),
		})
		return
	}
	nonceCookie, err := r.Cookie("oauth_nonce")
	if err != nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "missing_nonce",
			Err:     errors.New("missing nonce parameter"),
		})
		return
	}

	ssoIdentity, err := h.Provider.Exchange(r.Context(), ports.ExchangeInput{
		Code:  code,
		State: state,
		Nonce: nonceCookie.Value,
	})
	if err != nil {
		h.logger().ErrorContext(r.Context(), "sso exchange failed", "error", err)
		WriteError(w, ErrorParams{
			Code:    http.StatusUnauthorized,
			ErrCode: "authentication_failed",
			Err:     errors.New("authentication failed"),
		})
		return
	}

	result, err := h.Svc.CompleteSSO(r.Context(), ssoIdentity, r.UserAgent(), ClientIP(r))
	if err != nil {
		RenderError(w, err, h.Auth.now())
		return
	}

	h.Auth.setSessionCookie(w, r, result.Session)
	h.Auth.clearCookie(w, r, "oauth_state")
	h.Auth.clearCookie(w, r, "oauth_nonce")

	http.Redirect(w, r, h.postLoginRedirect(w, r), http.StatusFound)
}

// flowCookieParams groups the values stashed across the IdP round trip.
type flowCookieParams struct {
	State       string
	Nonce       string
	RedirectURI string
}

func (h *SSOHandlers) setFlowCookies(w http.ResponseWriter, r *http.Request, p flowCookieParams) {
	const flowCookieTTL = 600 // 10 minutes

	for name, value := range map[string]string{
		"oauth_state":         p.State,
		"oauth_nonce":         p.Nonce,
		"post_login_redirect": p.RedirectURI,
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			Domain:   h.CookieDomain,
			HttpOnly: true,
			Secure:   isSecureRequest(r),
			SameSite: http.SameSiteLaxMode,
			MaxAge:   flowCookieTTL,
		})
	}
}

// postLoginRedirect returns the stashed destination and clears its cookie.
func (h *SSOHandlers) postLoginRedirect(w http.ResponseWriter, r *http.Request) string {
	redirectURI := "/"
	if cookie, err := r.Cookie("post_login_redirect"); err == nil {
		redirectURI = safeRedirectPath(cookie.Value)
		h.Auth.clearCookie(w, r, "post_login_redirect")
	}
	return redirectURI
}

// safeRedirectPath ensures the provided redirect is a same-origin relative
// path starting with "/". Returns "/" when invalid.
func safeRedirectPath(candidate string) string {
	if candidate == "" {
		return "/"
	}
	u, err := url.Parse(candidate)
	if err != nil || u.IsAbs() || u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return "/"
	}
	return candidate
}
