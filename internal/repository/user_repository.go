package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// UserRepository is the read side of the user directory used for approver
// resolution, plus an upsert for seeding it.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser retrieves a directory user by ID.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, role, is_active, approval_status, first_supervisor_id, created_at
		FROM users
		WHERE id = $1
	`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// ListActiveApproversByRole returns active, approved users holding role in
// creation order. Ties on creation time are broken by ID so the first entry
// is stable.
func (r *UserRepository) ListActiveApproversByRole(ctx context.Context, role string) ([]*User, error) {
	query := `
		SELECT id, role, is_active, approval_status, first_supervisor_id, created_at
		FROM users
		WHERE role = $1
		  AND is_active = TRUE
		  AND approval_status = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, role, UserApprovalStatusApproved)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertUser inserts or replaces a directory user.
func (r *UserRepository) UpsertUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, role, is_active, approval_status, first_supervisor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		    SET role                = EXCLUDED.role,
		        is_active           = EXCLUDED.is_active,
		        approval_status     = EXCLUDED.approval_status,
		        first_supervisor_id = EXCLUDED.first_supervisor_id
	`

	_, err := r.db.Exec(ctx, query,
		u.ID,
		u.Role,
		u.IsActive,
		u.ApprovalStatus,
		u.FirstSupervisorID,
		u.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
	}
	return nil
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID,
		&u.Role,
		&u.IsActive,
		&u.ApprovalStatus,
		&u.FirstSupervisorID,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}
