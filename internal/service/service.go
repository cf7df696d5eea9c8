// Package service holds the auth subsystem's business logic: rate limiting,
// account lockout, session management, two-factor verification, refresh token
// rotation, authorization decisions, and login orchestration. Services depend
// on ports only; adapters are wired in bootstrap.
package service

import (
	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// errInvalidArgs is the validation sentinel wrapped by services on malformed
// inputs. Aliased so every wrap site maps to a 400 at the HTTP boundary.
var errInvalidArgs = domainauth.ErrValidation
