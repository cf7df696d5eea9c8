package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// SessionCookieName is the browser cookie carrying the opaque session ID.
const SessionCookieName = "session_id"

// AuthHandlers provides HTTP handlers for authentication operations.
type AuthHandlers struct {
	Svc        *service.LoginService
	Sessions   *service.SessionManager
	Refresh    *service.RefreshTokenService
	TwoFactor  *service.TwoFactorService
	Identities ports.IdentityStore

	CookieDomain string
	Logger       *slog.Logger
	Clock        func() time.Time
}

func (h *AuthHandlers) logger() *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *AuthHandlers) now() time.Time {
	if h != nil && h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// Login handles the password login endpoint.
// POST /api/auth/login {"email","password"}.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.Svc.Login(r.Context(), req.Email, req.Password, r.UserAgent(), ClientIP(r))
	if err != nil {
		RenderError(w, err, h.now())
		return
	}

	if result.TwoFactorPending {
		WriteJSON(w, http.StatusOK, map[string]any{
			"two_factor_required": true,
			"challenge_token":     result.ChallengeToken,
		})
		return
	}

	h.writeLoginSuccess(w, r, result)
}

// CompleteTwoFactor finishes a pending login with a TOTP or backup code.
// POST /api/auth/login/2fa {"challenge_token","code"}.
func (h *AuthHandlers) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeToken string `json:"challenge_token"`
		Code           string `json:"code"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}

	result, err := h.Svc.CompleteTwoFactor(r.Context(), req.ChallengeToken, req.Code, r.UserAgent(), ClientIP(r))
	if err != nil {
		RenderError(w, err, h.now())
		return
	}

	h.writeLoginSuccess(w, r, result)
}

// RefreshTokens rotates a refresh token for a new pair.
// POST /api/auth/refresh {"refresh_token"}.
func (h *AuthHandlers) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}

	device := domainauth.ParseDeviceContext(r.UserAgent(), ClientIP(r))
	pair, err := h.Refresh.Refresh(r.Context(), req.RefreshToken, device)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

// Logout ends the current session and clears the cookie.
// POST /api/auth/logout.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if ok {
		if err := h.Svc.Logout(r.Context(), sess, ClientIP(r)); err != nil {
			h.logger().WarnContext(r.Context(), "logout failed", "error", err)
		}
	}
	h.clearCookie(w, r, SessionCookieName)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// LogoutAll revokes every other session and token family for the identity,
// keeping the one making the request.
// POST /api/auth/logout-all.
func (h *AuthHandlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		RenderError(w, domainauth.ErrAuthentication, h.now())
		return
	}
	if err := h.Svc.LogoutAll(r.Context(), sess.IdentityID, sess.ID); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "signed_out_everywhere"})
}

// ListSessions returns the caller's active sessions.
// GET /api/auth/sessions.
func (h *AuthHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		RenderError(w, domainauth.ErrAuthentication, h.now())
		return
	}
	sessions, err := h.Sessions.List(r.Context(), sess.IdentityID)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"id":             s.ID,
			"current":        s.ID == sess.ID,
			"device":         s.Device,
			"created_at":     s.CreatedAt,
			"last_active_at": s.LastActiveAt,
			"expires_at":     s.ExpiresAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// RevokeSession ends one of the caller's sessions by ID.
// DELETE /api/auth/sessions/{id}.
func (h *AuthHandlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		RenderError(w, domainauth.ErrAuthentication, h.now())
		return
	}
	targetID := r.PathValue("id")

	sessions, err := h.Sessions.List(r.Context(), sess.IdentityID)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}
	for _, s := range sessions {
		if s.ID != targetID {
			continue
		}
		if err := h.Svc.Logout(r.Context(), s, ClientIP(r)); err != nil {
			RenderError(w, err, h.now())
			return
		}
		if s.ID == sess.ID {
			h.clearCookie(w, r, SessionCookieName)
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		return
	}
	WriteError(w, ErrorParams{
		Code:    http.StatusNotFound,
		ErrCode: "session_not_found",
		Err:     errors.New("session not found"),
	})
}

// EnrollTwoFactor begins TOTP enrollment for the caller. The secret and backup
// codes are returned once; activation waits for the first verified code.
// POST /api/auth/2fa/enroll.
func (h *AuthHandlers) EnrollTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	result, err := h.TwoFactor.Enroll(r.Context(), identity)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"secret":       result.Secret,
		"backup_codes": result.BackupCodes,
	})
}

// VerifyTwoFactor checks a TOTP code for the caller, activating a pending
// enrollment and elevating the current session.
// POST /api/auth/2fa/verify {"code"}.
func (h *AuthHandlers) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	sess, _ := SessionFromContext(r.Context())
	device := domainauth.ParseDeviceContext(r.UserAgent(), ClientIP(r))
	if err := h.TwoFactor.VerifyCode(r.Context(), identity, sess.ID, req.Code, device); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// DisableTwoFactor turns off 2FA for the caller. Routed behind a fresh
// second-factor check.
// POST /api/auth/2fa/disable.
func (h *AuthHandlers) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	if err := h.TwoFactor.Disable(r.Context(), identity); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// BackupCodeStatus reports how many backup codes remain unconsumed.
// GET /api/auth/2fa/backup-codes.
func (h *AuthHandlers) BackupCodeStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		RenderError(w, domainauth.ErrAuthentication, h.now())
		return
	}
	remaining, err := h.TwoFactor.RemainingBackupCodes(r.Context(), sess.IdentityID)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

// StartPasswordReset requests a reset email. The response is identical whether
// or not the address has an account.
// POST /api/auth/password-reset {"email"}.
func (h *AuthHandlers) StartPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.Svc.StartPasswordReset(r.Context(), req.Email); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ConfirmPasswordReset consumes a reset token and sets the new password. All
// existing sessions for the identity are revoked.
// POST /api/auth/password-reset/confirm {"token","password"}.
func (h *AuthHandlers) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.Svc.ConfirmPasswordReset(r.Context(), req.Token, req.Password); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "password_updated"})
}

// RequestEmailVerification sends a verification email to the caller.
// POST /api/auth/verify-email/request.
func (h *AuthHandlers) RequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.callerIdentity(w, r)
	if !ok {
		return
	}
	if err := h.Svc.StartEmailVerification(r.Context(), identity); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// VerifyEmail consumes an email verification token.
// POST /api/auth/verify-email {"token"}.
func (h *AuthHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := h.Svc.VerifyEmail(r.Context(), req.Token); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// Status returns the current authentication status.
// GET /auth/status.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	sessionCookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	sess, err := h.Sessions.Validate(r.Context(), sessionCookie.Value)
	if err != nil {
		h.clearCookie(w, r, SessionCookieName)
		WriteJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user": map[string]any{
			"id":    sess.IdentityID,
			"email": sess.Email,
			"role":  sess.Role,
		},
		"two_factor_verified": sess.TwoFactorVerifiedAt != nil,
		"expires_at":          sess.ExpiresAt,
	})
}

// writeLoginSuccess sets the session cookie and renders the session plus token
// pair.
func (h *AuthHandlers) writeLoginSuccess(w http.ResponseWriter, r *http.Request, result service.LoginResult) {
	h.setSessionCookie(w, r, result.Session)
	WriteJSON(w, http.StatusOK, map[string]any{
		"session": map[string]any{
			"id":         result.Session.ID,
			"email":      result.Session.Email,
			"role":       result.Session.Role,
			"expires_at": result.Session.ExpiresAt,
		},
		"access_token":  result.Tokens.AccessToken,
		"refresh_token": result.Tokens.RefreshToken,
	})
}

// callerIdentity resolves the full identity row for the authenticated session,
// writing the error response itself on failure.
func (h *AuthHandlers) callerIdentity(w http.ResponseWriter, r *http.Request) (domainauth.Identity, bool) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		RenderError(w, domainauth.ErrAuthentication, h.now())
		return domainauth.Identity{}, false
	}
	identity, err := h.Identities.GetByID(r.Context(), sess.IdentityID)
	if err != nil {
		RenderError(w, err, h.now())
		return domainauth.Identity{}, false
	}
	return identity, true
}

// setSessionCookie writes the session cookie based on the session's expiry.
func (h *AuthHandlers) setSessionCookie(w http.ResponseWriter, r *http.Request, s domainauth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    s.ID,
		Path:     "/",
		Domain:   h.CookieDomain,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.ExpiresAt.Sub(h.now()).Seconds()),
	})
}

// clearCookie clears a cookie by setting it to expire immediately. It mirrors
// the attributes used when setting cookies so browsers match them on deletion.
func (h *AuthHandlers) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.CookieDomain,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		SameSite: http.SameSiteLaxMode,
	})
}

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
