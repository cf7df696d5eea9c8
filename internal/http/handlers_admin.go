package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/service"
)

// AuditLister lists recent audit events for operator review. Implemented by
// data.AuditRepo.
type AuditLister interface {
	ListRecent(ctx context.Context, filter data.ListFilter) ([]domainauth.AuditEvent, error)
}

// AdminHandlers provides operator endpoints. All routes are gated on the
// admin role.
type AdminHandlers struct {
	Lockout  *service.AccountLockoutService
	Sessions *service.SessionManager
	Login    *service.LoginService
	Limiter  *service.RateLimiter
	Audit    AuditLister

	Logger *slog.Logger
	Clock  func() time.Time
}

func (h *AdminHandlers) now() time.Time {
	if h != nil && h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// UnlockIdentity clears an account lockout.
// POST /api/admin/identities/{id}/unlock.
func (h *AdminHandlers) UnlockIdentity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Lockout.Unlock(r.Context(), id); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// ListIdentitySessions returns an identity's active sessions.
// GET /api/admin/identities/{id}/sessions.
func (h *AdminHandlers) ListIdentitySessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sessions, err := h.Sessions.List(r.Context(), id)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// RevokeIdentitySessions force-logs-out every session and token family for an
// identity.
// POST /api/admin/identities/{id}/logout.
func (h *AdminHandlers) RevokeIdentitySessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Login.LogoutAll(r.Context(), id, ""); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ResetRateLimit zeroes the current window for a counter key.
// POST /api/admin/rate-limits/reset {"key","window_seconds"}.
func (h *AdminHandlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key           string `json:"key"`
		WindowSeconds int    `json:"window_seconds"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" || req.WindowSeconds <= 0 {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_request",
			Err:     errors.New("key and window_seconds are required"),
		})
		return
	}
	window := time.Duration(req.WindowSeconds) * time.Second
	if err := h.Limiter.Reset(r.Context(), req.Key, window); err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ListAuditEvents returns recent audit events, newest first.
// GET /api/admin/audit?actor_id=&action=&limit=.
func (h *AdminHandlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		WriteError(w, ErrorParams{
			Code:    http.StatusNotImplemented,
			ErrCode: "audit_store_unavailable",
			Err:     errors.New("audit store is not configured"),
		})
		return
	}

	filter := data.ListFilter{
		ActorID: r.URL.Query().Get("actor_id"),
		Action:  domainauth.AuditAction(r.URL.Query().Get("action")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			WriteError(w, ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_request",
				Err:     errors.New("limit must be a positive integer"),
			})
			return
		}
		filter.Limit = limit
	}

	events, err := h.Audit.ListRecent(r.Context(), filter)
	if err != nil {
		RenderError(w, err, h.now())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
