package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/tcm-ui-api/internal/data"
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
	"github.com/casetrail/tcm-ui-api/internal/ports"
)

// Token policy defaults.
const (
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultAccessTokenTTL  = 15 * time.Minute
)

// TokenPair is what login and refresh hand back to the client. RefreshToken
// is the raw secret; only its hash is stored.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RefreshTokenServiceOptions configures a RefreshTokenService.
type RefreshTokenServiceOptions struct {
	Tokens   ports.RefreshTokenStore
	Sessions ports.SessionStore
	Signer   ports.AccessTokenSigner
	Audit    ports.AuditSink
	Logger   *slog.Logger
	Clock    func() time.Time

	RefreshTTL time.Duration
	AccessTTL  time.Duration
}

// RefreshTokenService implements rotating refresh token families. Each login
// starts a family; every refresh atomically retires the presented token and
// issues a successor. Presenting a token that has already been rotated away
// is treated as theft: the whole family is revoked and the event audited.
type RefreshTokenService struct {
	tokens   ports.RefreshTokenStore
	sessions ports.SessionStore
	signer   ports.AccessTokenSigner
	audit    ports.AuditSink
	logger   *slog.Logger
	now      func() time.Time

	refreshTTL time.Duration
	accessTTL  time.Duration
}

// NewRefreshTokenService validates options and applies defaults.
func NewRefreshTokenService(opts RefreshTokenServiceOptions) (*RefreshTokenService, error) {
	if opts.Tokens == nil {
		return nil, errors.New("refresh token store is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("access token signer is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTokenTTL
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTokenTTL
	}

	return &RefreshTokenService{
		tokens:     opts.Tokens,
		sessions:   opts.Sessions,
		signer:     opts.Signer,
		audit:      opts.Audit,
		logger:     opts.Logger.With("component", "refresh"),
		now:        opts.Clock,
		refreshTTL: opts.RefreshTTL,
		accessTTL:  opts.AccessTTL,
	}, nil
}

// Issue starts a new token family for a freshly created session and returns
// the first token pair.
func (s *RefreshTokenService) Issue(ctx context.Context, sess domainauth.Session) (TokenPair, error) {
	raw, err := newOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	token := domainauth.RefreshToken{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
		TokenHash:  hashToken(raw),
		FamilyID:   uuid.NewString(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return TokenPair{}, fmt.Errorf("create refresh token: %w", err)
	}

	access, err := s.signAccess(sess, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: raw}, nil
}

// Refresh exchanges a presented refresh token for a new pair. Exactly one of
// two concurrent presentations of the same token can win the rotation; the
// loser, and any presentation of an already-rotated or revoked token, revokes
// the family and surfaces as a uniform authentication failure.
func (s *RefreshTokenService) Refresh(ctx context.Context, presented string, device domainauth.DeviceContext) (TokenPair, error) {
	if presented == "" {
		return TokenPair{}, fmt.Errorf("refresh token: %w", errInvalidArgs)
	}

	token, err := s.tokens.GetByHash(ctx, hashToken(presented))
	if err != nil {
		if errors.Is(err, data.ErrTokenNotFound) {
			return TokenPair{}, fmt.Errorf("unknown refresh token: %w", domainauth.ErrAuthentication)
		}
		return TokenPair{}, fmt.Errorf("refresh token lookup: %w", err)
	}

	now := s.now()
	if token.Revoked {
		return TokenPair{}, s.handleReplay(ctx, token, device)
	}
	if token.Expired(now) {
		return TokenPair{}, fmt.Errorf("refresh token expired: %w", domainauth.ErrAuthentication)
	}

	sess, err := s.sessions.Get(ctx, token.SessionID)
	if err != nil || sess.Expired(now) {
		// The session is gone; nothing left for this family to refresh.
		if _, rerr := s.tokens.RevokeFamily(ctx, token.FamilyID); rerr != nil {
			s.logger.WarnContext(ctx, "failed to revoke orphaned token family",
				"family_id", token.FamilyID, "error", rerr)
		}
		return TokenPair{}, fmt.Errorf("session gone: %w", domainauth.ErrAuthentication)
	}

	raw, err := newOpaqueToken()
	if err != nil {
		return TokenPair{}, err
	}
	successor := domainauth.RefreshToken{
		ID:            uuid.NewString(),
		SessionID:     token.SessionID,
		IdentityID:    token.IdentityID,
		TokenHash:     hashToken(raw),
		FamilyID:      token.FamilyID,
		RotatedFromID: &token.ID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.refreshTTL),
	}

	if err := s.tokens.Rotate(ctx, token.ID, successor); err != nil {
		if errors.Is(err, data.ErrTokenConflict) {
			// Lost the rotation race: someone else already spent this token.
			return TokenPair{}, s.handleReplay(ctx, token, device)
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := s.signAccess(sess, now)
	if err != nil {
		return TokenPair{}, err
	}

	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   token.IdentityID,
		Action:    domainauth.AuditTokenRefresh,
		Outcome:   domainauth.OutcomeSuccess,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Metadata:  map[string]string{"family_id": token.FamilyID},
	})

	return TokenPair{AccessToken: access, RefreshToken: raw}, nil
}

// RevokeSession revokes every token family tied to a session (logout).
func (s *RefreshTokenService) RevokeSession(ctx context.Context, sessionID string) error {
	n, err := s.tokens.RevokeBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	if n > 0 {
		s.audit.Record(ctx, domainauth.AuditEvent{
			Action:   domainauth.AuditTokenRevoked,
			Outcome:  domainauth.OutcomeSuccess,
			Metadata: map[string]string{"session_id": sessionID, "revoked": fmt.Sprintf("%d", n)},
		})
	}
	return nil
}

// RevokeIdentity revokes every token for an identity (logout-all, compromise
// response, password reset).
func (s *RefreshTokenService) RevokeIdentity(ctx context.Context, identityID string) error {
	n, err := s.tokens.RevokeByIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("revoke identity tokens: %w", err)
	}
	if n > 0 {
		s.audit.Record(ctx, domainauth.AuditEvent{
			ActorID:  identityID,
			Action:   domainauth.AuditTokenRevoked,
			Outcome:  domainauth.OutcomeSuccess,
			Metadata: map[string]string{"revoked": fmt.Sprintf("%d", n)},
		})
	}
	return nil
}

func (s *RefreshTokenService) handleReplay(ctx context.Context, token domainauth.RefreshToken, device domainauth.DeviceContext) error {
	if _, err := s.tokens.RevokeFamily(ctx, token.FamilyID); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke token family after reuse",
			"family_id", token.FamilyID, "error", err)
	}
	s.audit.Record(ctx, domainauth.AuditEvent{
		ActorID:   token.IdentityID,
		Action:    domainauth.AuditTokenRefresh,
		Outcome:   domainauth.OutcomeSuspectedReplay,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
		Metadata: map[string]string{
			"family_id": token.FamilyID,
			"token_id":  token.ID,
		},
	})
	return &domainauth.ReplayError{FamilyID: token.FamilyID}
}

func (s *RefreshTokenService) signAccess(sess domainauth.Session, now time.Time) (string, error) {
	access, err := s.signer.Sign(ports.AccessClaims{
		IdentityID: sess.IdentityID,
		SessionID:  sess.ID,
		Email:      sess.Email,
		Role:       sess.Role,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.accessTTL),
	})
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return access, nil
}
