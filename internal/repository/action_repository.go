package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// ActionRepository appends and reads immutable approval actions.
type ActionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *database.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// Append inserts one action using q, which is normally the transaction that
// also updates the owning request. The table has an update/delete-prevention
// trigger so this is the only mutation exposed.
func (r *ActionRepository) Append(ctx context.Context, q querier, a *ApprovalAction) error {
	var snapshotJSON []byte
	if a.FormDataSnapshot != nil {
		var err error
		snapshotJSON, err = json.Marshal(a.FormDataSnapshot)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal form data snapshot")
		}
	}

	query := `
		INSERT INTO approval_actions
		    (id, request_id, action_type, level, actor_id, comment,
		     previous_approver_id, next_approver_id,
		     was_overdue, response_time_hours,
		     form_data_snapshot, total_levels, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8,
		        $9, $10,
		        $11, $12, $13)
	`

	_, err := q.Exec(ctx, query,
		a.ID,
		a.RequestID,
		string(a.ActionType),
		a.Level,
		a.ActorID,
		a.Comment,
		a.PreviousApproverID,
		a.NextApproverID,
		a.WasOverdue,
		a.ResponseTimeHours,
		snapshotJSON,
		a.TotalLevels,
		a.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval action")
	}
	return nil
}

// ListByRequestID returns the full action history of a request, oldest first.
func (r *ActionRepository) ListByRequestID(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, request_id, action_type, level, actor_id, comment,
		       previous_approver_id, next_approver_id,
		       was_overdue, response_time_hours,
		       form_data_snapshot, total_levels, created_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	return scanActions(rows)
}

// LastByRequestID returns the most recent action of a request, or nil when
// the request has none.
func (r *ActionRepository) LastByRequestID(ctx context.Context, requestID string) (*ApprovalAction, error) {
	query := `
		SELECT id, request_id, action_type, level, actor_id, comment,
		       previous_approver_id, next_approver_id,
		       was_overdue, response_time_hours,
		       form_data_snapshot, total_levels, created_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`

	a, err := scanAction(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get last approval action")
	}
	return a, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanActions(rows pgx.Rows) ([]*ApprovalAction, error) {
	var actions []*ApprovalAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func scanAction(row rowScanner) (*ApprovalAction, error) {
	a := &ApprovalAction{}
	var snapshotJSON []byte

	err := row.Scan(
		&a.ID,
		&a.RequestID,
		&a.ActionType,
		&a.Level,
		&a.ActorID,
		&a.Comment,
		&a.PreviousApproverID,
		&a.NextApproverID,
		&a.WasOverdue,
		&a.ResponseTimeHours,
		&snapshotJSON,
		&a.TotalLevels,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if snapshotJSON != nil {
		if err := json.Unmarshal(snapshotJSON, &a.FormDataSnapshot); err != nil {
			return nil, err
		}
	}
	return a, nil
}
