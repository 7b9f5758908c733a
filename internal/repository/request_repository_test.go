package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func newMockRepo(t *testing.T) (*RequestRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRequestRepository(database.Wrap(mock)), mock
}

func draftRequest() *ApprovalRequest {
	created := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	return &ApprovalRequest{
		ID:          "req-1",
		TemplateID:  "tpl-1",
		RequesterID: "u-1",
		FormData:    map[string]any{"amount": 100},
		Status:      StatusDraft,
		Version:     1,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

// anyArgs matches n arguments whose values the test does not care about.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// insertRequestArgs matches the insert of req with the given request number.
func insertRequestArgs(req *ApprovalRequest, number string) []any {
	return append([]any{req.ID, number}, anyArgs(16)...)
}

// updateRequestArgs matches the guarded update of id at expectedVersion.
func updateRequestArgs(id string, expectedVersion int) []any {
	return append([]any{id, expectedVersion}, anyArgs(10)...)
}

// appendActionArgs matches the insert of the action with the given id.
func appendActionArgs(id string) []any {
	return append([]any{id}, anyArgs(12)...)
}

func numberViolation() error {
	return &pgconn.PgError{Code: "23505", ConstraintName: "approval_requests_request_number_key"}
}

func TestSequenceRepository_Next(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO approval_request_sequences").
		WithArgs("202403", "REQ-202403-%").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(12)))

	seq, err := NewSequenceRepository().Next(context.Background(), mock, "202403")
	require.NoError(t, err)
	assert.Equal(t, 12, seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequest_AssignsNumber(t *testing.T) {
	repo, mock := newMockRepo(t)

	req := draftRequest()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO approval_request_sequences").
		WithArgs("202403", "REQ-202403-%").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO approval_requests").
		WithArgs(insertRequestArgs(req, "REQ-202403-00001")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreateRequest(context.Background(), req, nil))
	assert.Equal(t, "REQ-202403-00001", req.RequestNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequest_RetriesOnNumberCollision(t *testing.T) {
	repo, mock := newMockRepo(t)

	req := draftRequest()
	action := &ApprovalAction{ID: "act-1", RequestID: req.ID, ActionType: ActionSubmit, Level: 0, ActorID: "u-1", CreatedAt: req.CreatedAt}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO approval_request_sequences").
		WithArgs("202403", "REQ-202403-%").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(4)))
	mock.ExpectExec("INSERT INTO approval_requests").
		WithArgs(insertRequestArgs(req, "REQ-202403-00004")...).
		WillReturnError(numberViolation())
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO approval_request_sequences").
		WithArgs("202403", "REQ-202403-%").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO approval_requests").
		WithArgs(insertRequestArgs(req, "REQ-202403-00005")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO approval_actions").
		WithArgs(appendActionArgs("act-1")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	require.NoError(t, repo.CreateRequest(context.Background(), req, action))
	assert.Equal(t, "REQ-202403-00005", req.RequestNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequest_ConflictAfterRetries(t *testing.T) {
	repo, mock := newMockRepo(t)

	req := draftRequest()

	for i := 0; i < requestNumberAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO approval_request_sequences").
			WithArgs("202403", "REQ-202403-%").
			WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(int64(i + 1)))
		mock.ExpectExec("INSERT INTO approval_requests").
			WithArgs(insertRequestArgs(req, FormatRequestNumber("202403", i+1))...).
			WillReturnError(numberViolation())
		mock.ExpectRollback()
	}
	err := repo.CreateRequest(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
	assert.Empty(t, req.RequestNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTransition_StaleVersion(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests").
		WithArgs(updateRequestArgs("req-1", 3)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	req := draftRequest()
	req.Status = StatusPending
	err := repo.ApplyTransition(context.Background(), req, 3, &ApprovalAction{ID: "act-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	assert.Equal(t, 1, req.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTransition_WritesActionAndBumpsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests").
		WithArgs(updateRequestArgs("req-1", 1)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO approval_actions").
		WithArgs(appendActionArgs("act-1")...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	req := draftRequest()
	req.Status = StatusPending
	err := repo.ApplyTransition(context.Background(), req, 1, &ApprovalAction{ID: "act-1", ActionType: ActionSubmit})
	require.NoError(t, err)
	assert.Equal(t, 2, req.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDraft_NotDraft(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("DELETE FROM approval_requests").
		WithArgs("req-1", 2).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.DeleteDraft(context.Background(), "req-1", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRequest_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM approval_requests").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := repo.GetRequest(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
