package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Refresh token repository errors
var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)

// retentionAfterExpiry is how long revoked/expired rows are kept for audit
// before cleanup purges them.
const retentionAfterExpiry = 30 * 24 * time.Hour

// RefreshTokenRepository defines the interface for refresh token data access
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Revoke marks the token revoked; revoking an already revoked token is a no-op
	Revoke(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID int64) (int64, error)
	// DeleteExpiredBefore purges rows whose expiry predates the retention window
	DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error)
}

// refreshTokenRepository implements RefreshTokenRepository using PostgreSQL
type refreshTokenRepository struct {
	pool *pgxpool.Pool
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository instance
func NewRefreshTokenRepository(pool *pgxpool.Pool) RefreshTokenRepository {
	return &refreshTokenRepository{pool: pool}
}

// Create inserts a new refresh token row
func (r *refreshTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	return r.pool.QueryRow(ctx, query,
		token.UserID,
		token.TokenHash,
		token.ExpiresAt,
		token.UserAgent,
		token.IPAddress,
	).Scan(&token.ID, &token.CreatedAt)
}

// GetByTokenHash retrieves a refresh token row by its hash
func (r *refreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, revoked_at, user_agent, ip_address, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`

	token := &RefreshToken{}
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.UserAgent,
		&token.IPAddress,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

// Revoke marks a token revoked. The WHERE guard keeps the original
// revocation timestamp when called twice.
func (r *refreshTokenRepository) Revoke(ctx context.Context, tokenHash string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE token_hash = $1 AND revoked_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, tokenHash)
	return err
}

// RevokeAllForUser revokes every live token owned by a user
func (r *refreshTokenRepository) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteExpiredBefore purges rows expired more than the retention window ago
func (r *refreshTokenRepository) DeleteExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, now.UTC().Add(-retentionAfterExpiry))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
