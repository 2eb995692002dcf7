package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// userColumns is the column list scanned into a User
const userColumns = `id, email, password_hash, roles, email_verified,
	failed_login_attempts, account_locked_until,
	email_verification_token, email_verification_expires,
	password_reset_token, password_reset_expires,
	last_login_at, created_at, updated_at, deleted_at`

// UserRepository defines the interface for user data access.
// All reads exclude soft-deleted rows; a deleted user does not exist for
// authentication purposes.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id int64) error

	// IncrementFailedAttempts atomically bumps the failure counter and, when
	// the post-increment count reaches threshold, sets the lock timestamp in
	// the same statement. Returns the new counter value and lock state.
	IncrementFailedAttempts(ctx context.Context, email string, threshold int, lockUntil time.Time) (attempts int, lockedUntil *time.Time, err error)
	// ResetFailedAttempts zeroes the counter and clears any lock
	ResetFailedAttempts(ctx context.Context, email string) error

	SetEmailVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error
	GetByEmailVerificationToken(ctx context.Context, token string) (*User, error)
	MarkEmailVerified(ctx context.Context, id int64) error

	SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error
	GetByPasswordResetToken(ctx context.Context, token string) (*User, error)
	// UpdatePassword writes the new hash and clears the reset token fields in
	// one statement, so a used reset token is invalid immediately.
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	var roles string
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&roles,
		&user.EmailVerified,
		&user.FailedLoginAttempts,
		&user.AccountLockedUntil,
		&user.EmailVerificationToken,
		&user.EmailVerificationExpiry,
		&user.PasswordResetToken,
		&user.PasswordResetExpiry,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Roles = ParseRoles(roles)
	return user, nil
}

// Create inserts a new user into the database
func (r *userRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (email, password_hash, roles, email_verified)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		strings.ToLower(user.Email),
		user.PasswordHash,
		EncodeRoles(user.Roles),
		user.EmailVerified,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "users_email_key") || strings.Contains(err.Error(), "idx_users_email") {
			return ErrEmailAlreadyExists
		}
		return err
	}

	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a user by their email address (case-insensitive)
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1) AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// EmailExists checks if an email address is already registered (case-insensitive)
func (r *userRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1) AND deleted_at IS NULL)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateLastLogin updates the last_login_at timestamp for a user
func (r *userRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	query := `UPDATE users SET last_login_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// IncrementFailedAttempts bumps failed_login_attempts with a single atomic
// UPDATE; two concurrent failures can never undercount the lockout. The lock
// timestamp is set in the same statement the moment the incremented counter
// crosses the threshold.
func (r *userRepository) IncrementFailedAttempts(ctx context.Context, email string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    account_locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN $3
		        ELSE account_locked_until
		    END,
		    updated_at = NOW()
		WHERE LOWER(email) = LOWER($1) AND deleted_at IS NULL
		RETURNING failed_login_attempts, account_locked_until
	`

	var attempts int
	var lockedUntil *time.Time
	err := r.pool.QueryRow(ctx, query, email, threshold, lockUntil.UTC()).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, ErrUserNotFound
		}
		return 0, nil, err
	}
	return attempts, lockedUntil, nil
}

// ResetFailedAttempts zeroes the failure counter and clears any lock
func (r *userRepository) ResetFailedAttempts(ctx context.Context, email string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, account_locked_until = NULL, updated_at = NOW()
		WHERE LOWER(email) = LOWER($1) AND deleted_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, email)
	return err
}

// SetEmailVerificationToken stores a verification token, overwriting any
// outstanding one
func (r *userRepository) SetEmailVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error {
	query := `
		UPDATE users
		SET email_verification_token = $2, email_verification_expires = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, token, expires.UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetByEmailVerificationToken retrieves a user by an outstanding verification token
func (r *userRepository) GetByEmailVerificationToken(ctx context.Context, token string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email_verification_token = $1 AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, token))
}

// MarkEmailVerified flags the email as verified and clears the token fields
func (r *userRepository) MarkEmailVerified(ctx context.Context, id int64) error {
	query := `
		UPDATE users
		SET email_verified = TRUE,
		    email_verification_token = NULL,
		    email_verification_expires = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPasswordResetToken stores a reset token, overwriting any outstanding one
func (r *userRepository) SetPasswordResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	query := `
		UPDATE users
		SET password_reset_token = $2, password_reset_expires = $3, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, token, expires.UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetByPasswordResetToken retrieves a user by an outstanding reset token
func (r *userRepository) GetByPasswordResetToken(ctx context.Context, token string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE password_reset_token = $1 AND deleted_at IS NULL`
	return scanUser(r.pool.QueryRow(ctx, query, token))
}

// UpdatePassword writes the new hash and invalidates the reset token in the
// same statement
func (r *userRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2,
		    password_reset_token = NULL,
		    password_reset_expires = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
