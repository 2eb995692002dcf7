package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// AuditLogRepository defines the interface for audit log data access.
// Rows are append-only; the application never mutates or deletes them.
type AuditLogRepository interface {
	Create(ctx context.Context, entry *AuditLog) error
	List(ctx context.Context, params ListAuditLogParams) ([]AuditLog, int, error)
}

// AuditLogRepo implements AuditLogRepository using PostgreSQL via sqlx
type AuditLogRepo struct {
	db *sqlx.DB
}

// NewAuditLogRepo creates a new AuditLogRepo instance
func NewAuditLogRepo(db *sqlx.DB) *AuditLogRepo {
	return &AuditLogRepo{db: db}
}

// Create appends one audit record
func (r *AuditLogRepo) Create(ctx context.Context, entry *AuditLog) error {
	query := `
		INSERT INTO audit_logs (event_type, user_id, ip_address, user_agent, resource_type, resource_id, metadata, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	return r.db.QueryRowxContext(ctx, query,
		entry.EventType,
		entry.UserID,
		entry.IPAddress,
		entry.UserAgent,
		entry.ResourceType,
		entry.ResourceID,
		metadata,
		entry.Success,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// List returns filtered audit records (most recent first) and the total match
// count for pagination. Filters are combined with AND; all values are bound
// parameters.
func (r *AuditLogRepo) List(ctx context.Context, params ListAuditLogParams) ([]AuditLog, int, error) {
	var where []string
	var args []interface{}

	addFilter := func(condition string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s $%d", condition, len(args)))
	}

	if params.UserID != nil {
		addFilter("user_id =", *params.UserID)
	}
	if params.EventType != "" {
		addFilter("event_type =", params.EventType)
	}
	if params.ResourceType != "" {
		addFilter("resource_type =", params.ResourceType)
	}
	if params.ResourceID != "" {
		addFilter("resource_id =", params.ResourceID)
	}
	if params.Success != nil {
		addFilter("success =", *params.Success)
	}
	if params.From != nil {
		addFilter("created_at >=", *params.From)
	}
	if params.To != nil {
		addFilter("created_at <=", *params.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs" + whereClause
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	listQuery := fmt.Sprintf(
		`SELECT id, event_type, user_id, ip_address, user_agent, resource_type, resource_id, metadata, success, created_at
		 FROM audit_logs%s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		whereClause, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	entries := []AuditLog{}
	if err := r.db.SelectContext(ctx, &entries, listQuery, args...); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
