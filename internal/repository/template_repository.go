package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// querier is satisfied by both *database.DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TemplateRepository handles approval templates, their form fields and their
// scoped level configuration.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `
	id, name, description, category, icon, default_sla_hours,
	is_active, created_by, created_at, updated_at
`

// CreateTemplate inserts a template and its field descriptors in one transaction.
func (r *TemplateRepository) CreateTemplate(ctx context.Context, t *Template) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_templates
			    (id, name, description, category, icon, default_sla_hours,
			     is_active, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10)
		`

		_, err := tx.Exec(ctx, query,
			t.ID,
			t.Name,
			t.Description,
			t.Category,
			t.Icon,
			t.DefaultSLAHours,
			t.IsActive,
			t.CreatedBy,
			t.CreatedAt,
			t.UpdatedAt,
		)
		if database.IsUniqueViolation(err, "approval_templates_name_key") {
			return errors.Conflict(fmt.Sprintf("template name already exists: %s", t.Name))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template")
		}

		return insertFields(ctx, tx, t.ID, t.Fields)
	})
}

// UpdateTemplate persists metadata changes to an existing template.
func (r *TemplateRepository) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
		UPDATE approval_templates
		SET name              = $2,
		    description       = $3,
		    category          = $4,
		    icon              = $5,
		    default_sla_hours = $6,
		    is_active         = $7,
		    updated_at        = $8
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		t.ID,
		t.Name,
		t.Description,
		t.Category,
		t.Icon,
		t.DefaultSLAHours,
		t.IsActive,
		t.UpdatedAt,
	)
	if database.IsUniqueViolation(err, "approval_templates_name_key") {
		return errors.Conflict(fmt.Sprintf("template name already exists: %s", t.Name))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_template", t.ID)
	}
	return nil
}

// DeleteTemplate hard-deletes a template. Callers must check references first;
// the foreign key from approval_requests rejects referenced templates anyway.
func (r *TemplateRepository) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_template", id)
	}
	return nil
}

// GetTemplate retrieves a template by primary key (without fields or levels).
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_templates WHERE id = $1`

	t, err := scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template")
	}
	return t, nil
}

// ListTemplates returns templates ordered by name, optionally active only.
func (r *TemplateRepository) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_templates`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list templates")
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template")
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// IsTemplateReferenced reports whether any request uses the template.
func (r *TemplateRepository) IsTemplateReferenced(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE template_id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check template references")
	}
	return exists, nil
}

// ── fields ────────────────────────────────────────────────────────────────────

// ListFields returns a template's field descriptors in display order.
func (r *TemplateRepository) ListFields(ctx context.Context, templateID string) ([]FieldDescriptor, error) {
	query := `
		SELECT id, template_id, name, label, kind, required, options, sort_order
		FROM approval_template_fields
		WHERE template_id = $1
		ORDER BY sort_order ASC, name ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list template fields")
	}
	defer rows.Close()

	var fields []FieldDescriptor
	for rows.Next() {
		var (
			f           FieldDescriptor
			optionsJSON []byte
		)
		err := rows.Scan(&f.ID, &f.TemplateID, &f.Name, &f.Label, &f.Kind, &f.Required, &optionsJSON, &f.SortOrder)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template field")
		}
		if optionsJSON != nil {
			if err := json.Unmarshal(optionsJSON, &f.Options); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal field options")
			}
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// ReplaceFields swaps the whole field list of a template atomically.
func (r *TemplateRepository) ReplaceFields(ctx context.Context, templateID string, fields []FieldDescriptor) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM approval_template_fields WHERE template_id = $1`, templateID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear template fields")
		}
		return insertFields(ctx, tx, templateID, fields)
	})
}

func insertFields(ctx context.Context, q querier, templateID string, fields []FieldDescriptor) error {
	query := `
		INSERT INTO approval_template_fields
		    (id, template_id, name, label, kind, required, options, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, f := range fields {
		var optionsJSON []byte
		if len(f.Options) > 0 {
			var err error
			optionsJSON, err = json.Marshal(f.Options)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal field options")
			}
		}

		_, err := q.Exec(ctx, query,
			f.ID,
			templateID,
			f.Name,
			f.Label,
			string(f.Kind),
			f.Required,
			optionsJSON,
			f.SortOrder,
		)
		if database.IsUniqueViolation(err, "") {
			return errors.Conflict(fmt.Sprintf("duplicate field name: %s", f.Name))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template field")
		}
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	t := &Template{}
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Description,
		&t.Category,
		&t.Icon,
		&t.DefaultSLAHours,
		&t.IsActive,
		&t.CreatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
