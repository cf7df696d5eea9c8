package config

import (
	"time"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// SSOConfig contains OIDC single-sign-on configuration. SSO is enabled when a
// discovery URL is configured.
type SSOConfig struct {
	ClientID     string `env:"CLIENT_ID"     envDefault:"casetrail"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"  envDefault:"http://localhost:8080/auth/sso/callback"`
	Scope        string `env:"SCOPE"         envDefault:"openid profile email groups"`
	DiscoveryURL string `env:"DISCOVERY_URL"`
	LogoutURL    string `env:"LOGOUT_URL"`
}

// Enabled reports whether SSO should be wired up.
func (s SSOConfig) Enabled() bool {
	return s.DiscoveryURL != ""
}

// RoleGroupsConfig maps IdP group names to application roles for SSO logins.
// Empty entries are skipped.
type RoleGroupsConfig struct {
	AdminGroup          string `env:"ADMIN_GROUP"`
	ProjectManagerGroup string `env:"PROJECT_MANAGER_GROUP"`
	EditorGroup         string `env:"EDITOR_GROUP"`
	TesterGroup         string `env:"TESTER_GROUP"`
	ViewerGroup         string `env:"VIEWER_GROUP"`
}

// GroupRoles returns the group-to-role table for the role mapper.
func (r RoleGroupsConfig) GroupRoles() map[string]domainauth.Role {
	table := make(map[string]domainauth.Role)
	add := func(group string, role domainauth.Role) {
		if group != "" {
			table[group] = role
		}
	}
	add(r.AdminGroup, domainauth.RoleAdmin)
	add(r.ProjectManagerGroup, domainauth.RoleProjectManager)
	add(r.EditorGroup, domainauth.RoleEditor)
	add(r.TesterGroup, domainauth.RoleTester)
	add(r.ViewerGroup, domainauth.RoleViewer)
	return table
}

// AuthConfig groups all authentication and session policy configuration.
// Zero durations fall through to the service defaults.
type AuthConfig struct {
	// JWTSecret signs access tokens. Required when the HTTP service runs.
	JWTSecret string `env:"AUTH_JWT_SECRET"`

	// Session policy.
	SessionTTL           time.Duration `env:"AUTH_SESSION_TTL"            envDefault:"12h"`
	SessionActivityLimit int           `env:"AUTH_SESSION_ACTIVITY_LIMIT" envDefault:"10"`

	// Lockout policy.
	LockoutMaxAttempts   int           `env:"AUTH_LOCKOUT_MAX_ATTEMPTS"   envDefault:"5"`
	LockoutDuration      time.Duration `env:"AUTH_LOCKOUT_DURATION"       envDefault:"15m"`
	LockoutAttemptWindow time.Duration `env:"AUTH_LOCKOUT_ATTEMPT_WINDOW" envDefault:"60m"`

	// Token lifetimes.
	AccessTokenTTL  time.Duration `env:"AUTH_ACCESS_TOKEN_TTL"  envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" envDefault:"720h"` // 30 days

	// Two-factor policy. A zero reverify interval means a verified session
	// stays elevated for its lifetime.
	TwoFactorReverifyEvery time.Duration `env:"AUTH_2FA_REVERIFY_EVERY" envDefault:"0"`
	BackupCodeCount        int           `env:"AUTH_BACKUP_CODE_COUNT"  envDefault:"10"`

	// BcryptCost for password and backup-code hashing.
	BcryptCost int `env:"AUTH_BCRYPT_COST" envDefault:"12"`

	// Rate limit budgets, per client IP.
	APIRateLimit    int           `env:"AUTH_API_RATE_LIMIT"     envDefault:"100"`
	APIRateWindow   time.Duration `env:"AUTH_API_RATE_WINDOW"    envDefault:"1m"`
	LoginRateLimit  int           `env:"AUTH_LOGIN_RATE_LIMIT"   envDefault:"10"`
	LoginRateWindow time.Duration `env:"AUTH_LOGIN_RATE_WINDOW"  envDefault:"1m"`

	// SSO configuration.
	SSO SSOConfig `envPrefix:"SSO_"`

	// RoleGroups maps IdP groups to roles for SSO logins.
	RoleGroups RoleGroupsConfig
}

// Sanitize applies guardrails to authentication configuration values.
func (a *AuthConfig) Sanitize() {
	if a.LockoutMaxAttempts < 1 {
		a.LockoutMaxAttempts = 1
	}
	// bcrypt rejects costs outside [4, 31]; stay within a sane band.
	if a.BcryptCost < 10 {
		a.BcryptCost = 10
	}
	if a.BcryptCost > 16 {
		a.BcryptCost = 16
	}
	if a.APIRateLimit < 1 {
		a.APIRateLimit = 1
	}
	if a.LoginRateLimit < 1 {
		a.LoginRateLimit = 1
	}
	if a.APIRateWindow <= 0 {
		a.APIRateWindow = time.Minute
	}
	if a.LoginRateWindow <= 0 {
		a.LoginRateWindow = time.Minute
	}
}
