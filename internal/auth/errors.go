package auth

import (
	"errors"
	"fmt"
	"time"
)

// Auth service errors. Sub-component failures are translated into one of
// these kinds before leaving the package; raw database or crypto errors
// never cross the handler boundary.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address not verified")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailExists        = errors.New("email already exists")
	ErrUserNotFound       = errors.New("user not found")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodePasswordReused     = "PASSWORD_REUSED"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeAuthTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
	CodeInternalError      = "INTERNAL_ERROR"
)

// AccountLockedError reports an active account lock and when it expires
type AccountLockedError struct {
	UnlockAt time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, try again in %d minute(s)", e.MinutesRemaining())
}

// MinutesRemaining returns the whole minutes until the lock expires,
// rounded up, never below 1 while the lock is active
func (e *AccountLockedError) MinutesRemaining() int {
	remaining := time.Until(e.UnlockAt)
	if remaining <= 0 {
		return 0
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// PasswordReusedError reports a rejected password reset due to history reuse
type PasswordReusedError struct {
	HistoryDepth int
}

func (e *PasswordReusedError) Error() string {
	return fmt.Sprintf("password matches one of your last %d passwords", e.HistoryDepth)
}

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
