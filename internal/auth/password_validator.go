package auth

import (
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 10
)

// commonPasswords is a fixed blocklist of passwords rejected regardless of
// complexity. Matching is case-insensitive and exact.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password1!":  {},
	"passw0rd":    {},
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"abc123":      {},
	"letmein":     {},
	"welcome":     {},
	"welcome1":    {},
	"admin":       {},
	"admin123":    {},
	"iloveyou":    {},
	"monkey":      {},
	"dragon":      {},
	"sunshine":    {},
	"princess":    {},
	"football":    {},
	"baseball":    {},
	"trustno1":    {},
	"1234567890":  {},
	"qwertyuiop":  {},
	"p@ssword":    {},
	"p@ssw0rd":    {},
	"changeme":    {},
	"changeme1":   {},
	"dentist":     {},
	"clinic123":   {},
	"monkey123":   {},
	"secret":      {},
	"secret123":   {},
	"superman":    {},
	"pokemon":     {},
	"starwars":    {},
	"whatever":    {},
	"zaq12wsx":    {},
	"password123": {},
}

// PasswordValidationError represents a specific password validation failure
type PasswordValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PasswordValidator handles password strength validation, hashing, and
// reuse checks. Pure except for the bcrypt calls.
type PasswordValidator struct{}

// NewPasswordValidator creates a new PasswordValidator instance
func NewPasswordValidator() *PasswordValidator {
	return &PasswordValidator{}
}

// ValidatePassword checks a password against all strength rules and returns
// every violated rule, not just the first.
func (v *PasswordValidator) ValidatePassword(password string) []PasswordValidationError {
	var errs []PasswordValidationError

	if len(password) < MinPasswordLength {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters long",
		})
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one uppercase letter",
		})
	}
	if !hasLower {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one lowercase letter",
		})
	}
	if !hasNumber {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one number",
		})
	}
	if !hasSpecial {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password must contain at least one special character",
		})
	}

	if _, blocked := commonPasswords[strings.ToLower(password)]; blocked {
		errs = append(errs, PasswordValidationError{
			Field:   "password",
			Message: "Password is too common",
		})
	}

	return errs
}

// IsValidPassword returns true if the password meets all requirements
func (v *PasswordValidator) IsValidPassword(password string) bool {
	return len(v.ValidatePassword(password)) == 0
}

// HashPassword creates a bcrypt hash of the password
func (v *PasswordValidator) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a password with its bcrypt hash.
// Returns nil if they match, error otherwise.
func (v *PasswordValidator) VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// IsReused reports whether the candidate password matches any of the given
// previous hashes. Sequential with short-circuit; this sits on the password
// reset path, not a hot path.
func (v *PasswordValidator) IsReused(candidate string, previousHashes []string) bool {
	for _, hash := range previousHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil {
			return true
		}
	}
	return false
}
