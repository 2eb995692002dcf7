package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PasswordHistoryRepository defines the interface for password history access.
// The table is append-only; entries are never mutated.
type PasswordHistoryRepository interface {
	Append(ctx context.Context, userID int64, passwordHash string) error
	// RecentHashes returns up to limit hashes, most recent first
	RecentHashes(ctx context.Context, userID int64, limit int) ([]string, error)
}

// passwordHistoryRepository implements PasswordHistoryRepository using PostgreSQL
type passwordHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewPasswordHistoryRepository creates a new PasswordHistoryRepository instance
func NewPasswordHistoryRepository(pool *pgxpool.Pool) PasswordHistoryRepository {
	return &passwordHistoryRepository{pool: pool}
}

// Append records a password hash for future reuse checks
func (r *passwordHistoryRepository) Append(ctx context.Context, userID int64, passwordHash string) error {
	query := `INSERT INTO password_history (user_id, password_hash) VALUES ($1, $2)`

	_, err := r.pool.Exec(ctx, query, userID, passwordHash)
	return err
}

// RecentHashes returns the most recent password hashes for a user
func (r *passwordHistoryRepository) RecentHashes(ctx context.Context, userID int64, limit int) ([]string, error) {
	query := `
		SELECT password_hash
		FROM password_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}
