package repository

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is a staff role within the clinic
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDentist   Role = "dentist"
	RoleSecretary Role = "secretary"
)

// ParseRoles decodes the comma-separated storage encoding into a role list.
// An empty string yields an empty list. The delimited encoding is a storage
// concern and must not leak past this package.
func ParseRoles(s string) []Role {
	if strings.TrimSpace(s) == "" {
		return []Role{}
	}
	parts := strings.Split(s, ",")
	roles := make([]Role, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			roles = append(roles, Role(p))
		}
	}
	return roles
}

// EncodeRoles serializes a role list into the comma-separated storage encoding
func EncodeRoles(roles []Role) string {
	parts := make([]string, 0, len(roles))
	for _, r := range roles {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

// RoleStrings converts a role list to plain strings for token claims
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// User represents a staff account in the database
type User struct {
	ID                      int64      `db:"id"`
	Email                   string     `db:"email"`
	PasswordHash            string     `db:"password_hash"`
	Roles                   []Role     `db:"-"`
	EmailVerified           bool       `db:"email_verified"`
	FailedLoginAttempts     int        `db:"failed_login_attempts"`
	AccountLockedUntil      *time.Time `db:"account_locked_until"`
	EmailVerificationToken  *string    `db:"email_verification_token"`
	EmailVerificationExpiry *time.Time `db:"email_verification_expires"`
	PasswordResetToken      *string    `db:"password_reset_token"`
	PasswordResetExpiry     *time.Time `db:"password_reset_expires"`
	LastLoginAt             *time.Time `db:"last_login_at"`
	CreatedAt               time.Time  `db:"created_at"`
	UpdatedAt               time.Time  `db:"updated_at"`
	DeletedAt               *time.Time `db:"deleted_at"`
}

// IsLocked reports whether the account lock is active at the given time
func (u *User) IsLocked(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}

// RefreshToken represents a refresh token record in the database.
// Rows are never deleted on revocation, only marked, so the table doubles
// as an audit trail of issued sessions.
type RefreshToken struct {
	ID        int64      `db:"id"`
	UserID    int64      `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	UserAgent *string    `db:"user_agent"`
	IPAddress *string    `db:"ip_address"`
	CreatedAt time.Time  `db:"created_at"`
}

// Usable reports whether the token can still mint access tokens
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// PasswordHistoryEntry represents a previously used password hash
type PasswordHistoryEntry struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// AuditLog represents one append-only security event record
type AuditLog struct {
	ID           int64           `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	UserID       *int64          `db:"user_id" json:"user_id,omitempty"`
	IPAddress    string          `db:"ip_address" json:"ip_address"`
	UserAgent    string          `db:"user_agent" json:"user_agent"`
	ResourceType *string         `db:"resource_type" json:"resource_type,omitempty"`
	ResourceID   *string         `db:"resource_id" json:"resource_id,omitempty"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Success      bool            `db:"success" json:"success"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// ListAuditLogParams holds filters for the compliance query
type ListAuditLogParams struct {
	UserID       *int64
	EventType    string
	ResourceType string
	ResourceID   string
	Success      *bool
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
