package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials         = errors.New("invalid credentials")
	ErrTokenExpired               = errors.New("token expired")
	ErrTokenMalformed             = errors.New("token malformed")
	ErrTokenBadSignature          = errors.New("token signature invalid")
	ErrTokenAlgorithm             = errors.New("token signing algorithm not accepted")
	ErrTokenRevoked               = errors.New("token revoked")
	ErrResetTokenInvalidOrExpired = errors.New("reset token invalid or expired")
	ErrForbidden                  = errors.New("forbidden")
	ErrUpstreamUnavailable        = errors.New("upstream unavailable")
	ErrPrincipalNotFound          = errors.New("principal not found")
	ErrRecordNotFound             = errors.New("record not found")
	ErrWeakPassword               = errors.New("password does not meet policy")
	ErrPrincipalExists            = errors.New("principal already exists")
)

// ErrAccountLocked is returned while the attempt throttle holds an identifier
// locked. Until is the moment the lock lapses if no further failures arrive.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "login temporarily locked"
}

// IsTokenError reports whether err is one of the credential validation
// failures that the gate answers with a uniform 401.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenBadSignature) ||
		errors.Is(err, ErrTokenAlgorithm) ||
		errors.Is(err, ErrTokenRevoked)
}
