// Package mail provides outbound mail adapters for the mailer port.
package mail

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// LogMailer satisfies the mailer port by writing the action link to the
// structured log instead of sending mail. It backs deployments without an
// SMTP relay: operators lift the link from the log and hand it to the user.
// The raw token lands in the log, so this adapter is only suitable for
// development and operator-assisted installs.
type LogMailer struct {
	Logger *slog.Logger

	// BaseURL is the application origin used to build absolute links,
	// e.g. "https://casetrail.example.com".
	BaseURL string
}

// SendPasswordReset logs the password reset link for the given address.
func (m LogMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.logger().InfoContext(ctx, "password reset link issued",
		"email", email,
		"link", m.link("/reset-password", token),
	)
	return nil
}

// SendEmailVerification logs the email verification link for the given address.
func (m LogMailer) SendEmailVerification(ctx context.Context, email, token string) error {
	m.logger().InfoContext(ctx, "email verification link issued",
		"email", email,
		"link", m.link("/verify-email", token),
	)
	return nil
}

func (m LogMailer) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m LogMailer) link(path, token string) string {
	base := strings.TrimSuffix(m.BaseURL, "/")
	return base + path + "?token=" + url.QueryEscape(token)
}
