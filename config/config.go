package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Authentication and session policy configuration
//   - database.go: Database and Redis configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode and reaper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (relaxed cookies, etc.)
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Authentication and session policy configuration
	Auth AuthConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Services is a comma-delimited list of enabled services.
	// Valid values: http, reaper
	Services string `env:"SERVICES" envDefault:"http"`

	// Reaper configuration
	Reaper ReaperConfig

	// Audit delivery configuration
	Audit AuditConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Auth.Sanitize()
	c.Reaper.Sanitize()
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsReaperEnabled returns true if the token reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// AuditConfig controls optional audit event delivery to an external webhook.
// Events always go to the structured log and the database; the webhook is a
// third, best-effort sink for SIEM forwarding.
type AuditConfig struct {
	// WebhookURL is the destination endpoint. Empty disables the webhook sink.
	WebhookURL string `env:"AUDIT_WEBHOOK_URL"`

	// WebhookBodyExpression is an optional JMESPath expression applied to the
	// event to shape the delivered payload. Empty sends the full event.
	WebhookBodyExpression string `env:"AUDIT_WEBHOOK_BODY_EXPRESSION"`
}
