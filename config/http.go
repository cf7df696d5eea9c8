package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the application (e.g., "https://app.example.com").
	// Used for generating absolute URLs in outbound email links.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// CookieDomain is the domain for session cookies.
	// Leave empty to use the request domain.
	CookieDomain string `env:"APP_COOKIE_DOMAIN" envDefault:""`

	// TrustedProxies lists proxy IPs or CIDR ranges whose X-Forwarded-For
	// headers are honored when resolving client addresses. Empty means
	// forwarded headers are ignored and the socket address is used.
	TrustedProxies []string `env:"HTTP_TRUSTED_PROXIES" envSeparator:","`

	// ShutdownTimeout bounds graceful shutdown on termination.
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}
