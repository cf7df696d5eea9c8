package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - RFC 6238 mandates HMAC-SHA1 for interoperable TOTP
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

// TOTP parameters per RFC 6238 with the defaults used by authenticator apps.
const (
	TOTPDigits = 6
	TOTPStep   = 30 * time.Second
)

// TOTPStepAt returns the time-step counter for the given instant.
func TOTPStepAt(t time.Time) uint64 {
	return uint64(t.Unix() / int64(TOTPStep/time.Second)) // #nosec G115 - Unix seconds are non-negative for all realistic clocks
}

// TOTPCodeAtStep computes the 6-digit code for a raw secret at a specific
// time-step counter. The secret is the decoded key, not its base32 form.
func TOTPCodeAtStep(secret []byte, step uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], step)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 §5.3.
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", code%1_000_000)
}

// TOTPCodeMatches compares a presented code against the expected code for a
// step in constant time.
func TOTPCodeMatches(secret []byte, step uint64, code string) bool {
	if len(code) != TOTPDigits {
		return false
	}
	expected := TOTPCodeAtStep(secret, step)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1
}

// NewTOTPSecret generates a 20-byte secret and returns it with its base32
// encoding for authenticator app provisioning.
func NewTOTPSecret() ([]byte, string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generate totp secret: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
	return secret, encoded, nil
}

// DecodeTOTPSecret decodes the base32 form produced by NewTOTPSecret.
func DecodeTOTPSecret(encoded string) ([]byte, error) {
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return secret, nil
}
