package password

// Package password wraps bcrypt behind the PasswordHasher port so services
// never touch hashing primitives directly.

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// BcryptHasher hashes credentials with bcrypt at a configurable cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher. A cost of 0 uses bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(hashed), nil
}

// Compare returns ErrAuthentication on mismatch so callers can surface the
// uniform credential failure without inspecting bcrypt internals.
func (h *BcryptHasher) Compare(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return domainauth.ErrAuthentication
		}
		return fmt.Errorf("bcrypt compare: %w", err)
	}
	return nil
}
