package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// requestNumberAttempts bounds retries when two creators race for a number.
const requestNumberAttempts = 3

// RequestRepository manages approval requests. Every state change of a
// request and the action that explains it are written in one transaction.
type RequestRepository struct {
	db        *database.DB
	actions   *ActionRepository
	sequences *SequenceRepository
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{
		db:        db,
		actions:   NewActionRepository(db),
		sequences: NewSequenceRepository(),
	}
}

const requestColumns = `
	id, request_number, template_id, requester_id, project_id, cohort_id,
	form_data, attachments, status,
	current_level, total_levels, current_approver_id,
	submitted_at, completed_at, sla_deadline,
	version, created_at, updated_at
`

// CreateRequest assigns the next REQ-YYYYMM-NNNNN number, inserts the request
// and, when action is non-nil, its first action. A unique violation on the
// request number is retried before giving up with a conflict.
func (r *RequestRepository) CreateRequest(ctx context.Context, req *ApprovalRequest, action *ApprovalAction) error {
	period := RequestPeriod(req.CreatedAt)

	for attempt := 1; attempt <= requestNumberAttempts; attempt++ {
		err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
			seq, err := r.sequences.Next(ctx, tx, period)
			if err != nil {
				return err
			}
			req.RequestNumber = FormatRequestNumber(period, seq)

			if err := insertRequest(ctx, tx, req); err != nil {
				return err
			}
			if action != nil {
				return r.actions.Append(ctx, tx, action)
			}
			return nil
		})
		if database.IsUniqueViolation(err, "approval_requests_request_number_key") {
			req.RequestNumber = ""
			continue
		}
		return err
	}

	return errors.Conflict("could not allocate a unique request number")
}

func insertRequest(ctx context.Context, q querier, req *ApprovalRequest) error {
	formJSON, err := marshalFormData(req.FormData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, request_number, template_id, requester_id, project_id, cohort_id,
		     form_data, attachments, status,
		     current_level, total_levels, current_approver_id,
		     submitted_at, completed_at, sla_deadline,
		     version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9,
		        $10, $11, $12,
		        $13, $14, $15,
		        $16, $17, $18)
	`

	_, err = q.Exec(ctx, query,
		req.ID,
		req.RequestNumber,
		req.TemplateID,
		req.RequesterID,
		req.Scope.ProjectID,
		req.Scope.CohortID,
		formJSON,
		attachmentsOrEmpty(req.Attachments),
		string(req.Status),
		req.CurrentLevel,
		req.TotalLevels,
		req.CurrentApproverID,
		req.SubmittedAt,
		req.CompletedAt,
		req.SLADeadline,
		req.Version,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if database.IsUniqueViolation(err, "approval_requests_request_number_key") {
		return err
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// ApplyTransition writes the new projection of req and appends action in one
// transaction. The update only applies when the stored version still equals
// expectedVersion; otherwise another writer won and an invalid-state error is
// returned. On success req.Version is advanced.
func (r *RequestRepository) ApplyTransition(ctx context.Context, req *ApprovalRequest, expectedVersion int, action *ApprovalAction) error {
	formJSON, err := marshalFormData(req.FormData)
	if err != nil {
		return err
	}

	err = r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET form_data           = $3,
			    attachments         = $4,
			    status              = $5,
			    current_level       = $6,
			    total_levels        = $7,
			    current_approver_id = $8,
			    submitted_at        = $9,
			    completed_at        = $10,
			    sla_deadline        = $11,
			    updated_at          = $12,
			    version             = version + 1
			WHERE id = $1
			  AND version = $2
		`

		tag, err := tx.Exec(ctx, query,
			req.ID,
			expectedVersion,
			formJSON,
			attachmentsOrEmpty(req.Attachments),
			string(req.Status),
			req.CurrentLevel,
			req.TotalLevels,
			req.CurrentApproverID,
			req.SubmittedAt,
			req.CompletedAt,
			req.SLADeadline,
			req.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			return errors.InvalidState("request was modified concurrently")
		}

		if action != nil {
			return r.actions.Append(ctx, tx, action)
		}
		return nil
	})
	if err != nil {
		return err
	}

	req.Version = expectedVersion + 1
	return nil
}

// DeleteDraft removes a request that is still a draft at expectedVersion.
func (r *RequestRepository) DeleteDraft(ctx context.Context, id string, expectedVersion int) error {
	query := `
		DELETE FROM approval_requests
		WHERE id = $1
		  AND version = $2
		  AND status = 'DRAFT'
	`

	tag, err := r.db.Exec(ctx, query, id, expectedVersion)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete draft request")
	}
	if tag.RowsAffected() == 0 {
		return errors.InvalidState("request is no longer a draft or was modified concurrently")
	}
	return nil
}

// GetRequest retrieves a request by primary key.
func (r *RequestRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// ListActions returns a request's actions oldest first.
func (r *RequestRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	return r.actions.ListByRequestID(ctx, requestID)
}

// LastAction returns the most recent action of a request, or nil.
func (r *RequestRepository) LastAction(ctx context.Context, requestID string) (*ApprovalAction, error) {
	return r.actions.LastByRequestID(ctx, requestID)
}

// ListRequests returns one page of requests matching filter, newest first,
// along with the total number of matches.
func (r *RequestRepository) ListRequests(ctx context.Context, filter RequestListFilter) ([]*ApprovalRequest, int64, error) {
	var (
		conds []string
		args  []any
	)
	addArg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filter.View {
	case ViewMine:
		conds = append(conds, "requester_id = "+addArg(filter.ActorID))
	case ViewPendingForMe:
		conds = append(conds, "current_approver_id = "+addArg(filter.ActorID), "status = 'PENDING'")
	}
	if filter.Status != nil {
		conds = append(conds, "status = "+addArg(string(*filter.Status)))
	}
	if filter.TemplateID != nil {
		conds = append(conds, "template_id = "+addArg(*filter.TemplateID))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count approval requests")
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests` + where +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + addArg(filter.Limit) + " OFFSET " + addArg(filter.Offset())
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	requests, err := scanRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// ListStuckRequests returns pending requests that have no approver assigned.
func (r *RequestRepository) ListStuckRequests(ctx context.Context) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = 'PENDING'
		  AND current_approver_id IS NULL
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stuck requests")
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ListOverdueRequests returns pending requests whose SLA deadline is before now.
func (r *RequestRepository) ListOverdueRequests(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = 'PENDING'
		  AND sla_deadline IS NOT NULL
		  AND sla_deadline < $1
		ORDER BY sla_deadline ASC
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue requests")
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanRequests(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var formJSON []byte

	err := row.Scan(
		&req.ID,
		&req.RequestNumber,
		&req.TemplateID,
		&req.RequesterID,
		&req.Scope.ProjectID,
		&req.Scope.CohortID,
		&formJSON,
		&req.Attachments,
		&req.Status,
		&req.CurrentLevel,
		&req.TotalLevels,
		&req.CurrentApproverID,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.SLADeadline,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.FormData = map[string]any{}
	if len(formJSON) > 0 {
		if err := json.Unmarshal(formJSON, &req.FormData); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func marshalFormData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal form data")
	}
	return b, nil
}

func attachmentsOrEmpty(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}
