package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

const levelColumns = `
	id, template_id, project_id, cohort_id, level_number, name,
	escalate_after_hours, escalate_to_user_id, is_active, created_at
`

// ListLevels returns the active levels configured for exactly the given scope,
// ordered by level number, each with its active candidates in sort order.
// It does not fall back to the global scope; that decision belongs to the resolver.
func (r *TemplateRepository) ListLevels(ctx context.Context, templateID string, scope Scope) ([]*Level, error) {
	query := `
		SELECT ` + levelColumns + `
		FROM approval_levels
		WHERE template_id = $1
		  AND project_id IS NOT DISTINCT FROM $2
		  AND cohort_id IS NOT DISTINCT FROM $3
		  AND is_active = TRUE
		ORDER BY level_number ASC
	`

	return r.queryLevels(ctx, r.db, query, templateID, scope.ProjectID, scope.CohortID)
}

// ListAllLevels returns every active level of a template across all scopes.
func (r *TemplateRepository) ListAllLevels(ctx context.Context, templateID string) ([]*Level, error) {
	query := `
		SELECT ` + levelColumns + `
		FROM approval_levels
		WHERE template_id = $1
		  AND is_active = TRUE
		ORDER BY project_id ASC NULLS FIRST, cohort_id ASC NULLS FIRST, level_number ASC
	`

	return r.queryLevels(ctx, r.db, query, templateID)
}

// ReplaceLevels deactivates the current levels of one scope and inserts the
// new chain with its approver candidates, all in one transaction.
func (r *TemplateRepository) ReplaceLevels(ctx context.Context, templateID string, scope Scope, levels []*Level) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		deactivate := `
			UPDATE approval_levels
			SET is_active = FALSE
			WHERE template_id = $1
			  AND project_id IS NOT DISTINCT FROM $2
			  AND cohort_id IS NOT DISTINCT FROM $3
			  AND is_active = TRUE
		`
		if _, err := tx.Exec(ctx, deactivate, templateID, scope.ProjectID, scope.CohortID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate levels")
		}

		levelQuery := `
			INSERT INTO approval_levels
			    (id, template_id, project_id, cohort_id, level_number, name,
			     escalate_after_hours, escalate_to_user_id, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10)
		`
		approverQuery := `
			INSERT INTO approval_level_approvers
			    (id, level_id, kind, user_id, role, sort_order, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`

		for _, level := range levels {
			_, err := tx.Exec(ctx, levelQuery,
				level.ID,
				templateID,
				scope.ProjectID,
				scope.CohortID,
				level.LevelNumber,
				level.Name,
				level.EscalateAfterHours,
				level.EscalateToUserID,
				level.IsActive,
				level.CreatedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create level")
			}

			for _, a := range level.Approvers {
				_, err := tx.Exec(ctx, approverQuery,
					a.ID,
					level.ID,
					string(a.Kind),
					a.UserID,
					a.Role,
					a.SortOrder,
					a.IsActive,
				)
				if err != nil {
					return errors.Wrap(err, errors.ErrCodeInternal, "failed to create level approver")
				}
			}
		}
		return nil
	})
}

func (r *TemplateRepository) queryLevels(ctx context.Context, q querier, query string, args ...any) ([]*Level, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list levels")
	}

	var levels []*Level
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan level")
		}
		levels = append(levels, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list levels")
	}

	if err := r.attachApprovers(ctx, q, levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// attachApprovers loads active candidates for all levels in one query.
func (r *TemplateRepository) attachApprovers(ctx context.Context, q querier, levels []*Level) error {
	if len(levels) == 0 {
		return nil
	}

	byID := make(map[string]*Level, len(levels))
	ids := make([]string, 0, len(levels))
	for _, l := range levels {
		byID[l.ID] = l
		ids = append(ids, l.ID)
	}

	query := `
		SELECT id, level_id, kind, user_id, role, sort_order, is_active
		FROM approval_level_approvers
		WHERE level_id = ANY($1)
		  AND is_active = TRUE
		ORDER BY level_id ASC, sort_order ASC, id ASC
	`

	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to list level approvers")
	}
	defer rows.Close()

	for rows.Next() {
		var a ApproverCandidate
		if err := rows.Scan(&a.ID, &a.LevelID, &a.Kind, &a.UserID, &a.Role, &a.SortOrder, &a.IsActive); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan level approver")
		}
		if l, ok := byID[a.LevelID]; ok {
			l.Approvers = append(l.Approvers, a)
		}
	}
	return rows.Err()
}

func scanLevel(row rowScanner) (*Level, error) {
	l := &Level{}
	err := row.Scan(
		&l.ID,
		&l.TemplateID,
		&l.Scope.ProjectID,
		&l.Scope.CohortID,
		&l.LevelNumber,
		&l.Name,
		&l.EscalateAfterHours,
		&l.EscalateToUserID,
		&l.IsActive,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}
