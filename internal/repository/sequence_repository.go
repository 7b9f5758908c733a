package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// SequenceRepository hands out monthly request sequence numbers.
type SequenceRepository struct{}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository() *SequenceRepository {
	return &SequenceRepository{}
}

// Next reserves the next sequence value for period. It must run inside the
// transaction that inserts the request, so the counter row stays locked
// until the request number is committed.
//
// The counter is seeded from the highest existing number of the period and
// never falls behind it, which keeps numbering correct for rows inserted
// before the counter table existed.
func (r *SequenceRepository) Next(ctx context.Context, q querier, period string) (int, error) {
	query := `
		INSERT INTO approval_request_sequences (period, last_value)
		SELECT $1, COALESCE(MAX(CAST(SUBSTRING(request_number FROM '[0-9]+$') AS INTEGER)), 0) + 1
		FROM approval_requests
		WHERE request_number LIKE $2
		ON CONFLICT (period) DO UPDATE
		    SET last_value = GREATEST(approval_request_sequences.last_value, EXCLUDED.last_value - 1) + 1
		RETURNING last_value
	`

	var next int64
	err := q.QueryRow(ctx, query, period, RequestNumberPeriodPrefix(period)+"-%").Scan(&next)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate request number")
	}
	return int(next), nil
}
