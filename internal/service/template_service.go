package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// TemplateService manages the template catalog and level configuration.
type TemplateService struct {
	templates TemplateStore
	log       *logger.Logger
	now       func() time.Time
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates TemplateStore, log *logger.Logger) *TemplateService {
	return &TemplateService{templates: templates, log: log, now: time.Now}
}

// CreateTemplateInput is the input of CreateTemplate.
type CreateTemplateInput struct {
	Name            string
	Description     *string
	Category        *string
	Icon            *string
	DefaultSLAHours *int
	Fields          []FieldInput
	CreatedBy       string
}

// UpdateTemplateInput carries metadata changes; nil fields are left as is.
type UpdateTemplateInput struct {
	Name            *string
	Description     *string
	Category        *string
	Icon            *string
	DefaultSLAHours *int
	ClearSLA        bool
	IsActive        *bool
}

// FieldInput describes one form field.
type FieldInput struct {
	Name      string
	Label     string
	Kind      repository.FieldKind
	Required  bool
	Options   []string
	SortOrder int
}

// LevelInput describes one level of a chain.
type LevelInput struct {
	LevelNumber        int
	Name               string
	EscalateAfterHours *int
	EscalateToUserID   *string
	Approvers          []CandidateInput
}

// CandidateInput describes one approver candidate of a level.
type CandidateInput struct {
	Kind      repository.CandidateKind
	UserID    *string
	Role      *string
	SortOrder int
}

// TemplateListOptions selects what ListTemplates returns.
type TemplateListOptions struct {
	ActiveOnly    bool
	IncludeFields bool
	IncludeLevels bool
}

// CreateTemplate validates and stores a new active template.
func (s *TemplateService) CreateTemplate(ctx context.Context, in *CreateTemplateInput) (*repository.Template, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	if err := validateSLA(in.DefaultSLAHours); err != nil {
		return nil, err
	}

	now := s.now()
	tpl := &repository.Template{
		ID:              uuid.NewString(),
		Name:            name,
		Description:     in.Description,
		Category:        in.Category,
		Icon:            in.Icon,
		DefaultSLAHours: in.DefaultSLAHours,
		IsActive:        true,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	fields, err := buildFields(tpl.ID, in.Fields)
	if err != nil {
		return nil, err
	}
	tpl.Fields = fields

	if err := s.templates.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", tpl.ID).
		Str("name", tpl.Name).
		Int("fields", len(tpl.Fields)).
		Msg("Approval template created")
	return tpl, nil
}

// UpdateTemplate applies metadata changes. Field and level changes go through
// ReplaceTemplateFields and ReplaceTemplateLevels.
func (s *TemplateService) UpdateTemplate(ctx context.Context, id string, in *UpdateTemplateInput) (*repository.Template, error) {
	tpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, errors.InvalidInput("name", "name cannot be empty")
		}
		tpl.Name = name
	}
	if in.Description != nil {
		tpl.Description = in.Description
	}
	if in.Category != nil {
		tpl.Category = in.Category
	}
	if in.Icon != nil {
		tpl.Icon = in.Icon
	}
	if in.ClearSLA {
		tpl.DefaultSLAHours = nil
	} else if in.DefaultSLAHours != nil {
		if err := validateSLA(in.DefaultSLAHours); err != nil {
			return nil, err
		}
		tpl.DefaultSLAHours = in.DefaultSLAHours
	}
	if in.IsActive != nil {
		tpl.IsActive = *in.IsActive
	}
	tpl.UpdatedAt = s.now()

	if err := s.templates.UpdateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// DeleteTemplate removes an unreferenced template, or deactivates one that
// requests already point at. It reports whether the template was only
// deactivated.
func (s *TemplateService) DeleteTemplate(ctx context.Context, id string) (deactivated bool, err error) {
	tpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		return false, err
	}

	referenced, err := s.templates.IsTemplateReferenced(ctx, id)
	if err != nil {
		return false, err
	}
	if !referenced {
		if err := s.templates.DeleteTemplate(ctx, id); err != nil {
			return false, err
		}
		s.log.Info().Str("template_id", id).Msg("Approval template deleted")
		return false, nil
	}

	tpl.IsActive = false
	tpl.UpdatedAt = s.now()
	if err := s.templates.UpdateTemplate(ctx, tpl); err != nil {
		return false, err
	}
	s.log.Info().Str("template_id", id).Msg("Referenced approval template deactivated")
	return true, nil
}

// GetTemplate returns a template, optionally with fields and all active levels.
func (s *TemplateService) GetTemplate(ctx context.Context, id string, includeFields, includeLevels bool) (*repository.Template, error) {
	tpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.expand(ctx, tpl, includeFields, includeLevels); err != nil {
		return nil, err
	}
	return tpl, nil
}

// ListTemplates returns the catalog ordered by name.
func (s *TemplateService) ListTemplates(ctx context.Context, opts TemplateListOptions) ([]*repository.Template, error) {
	templates, err := s.templates.ListTemplates(ctx, opts.ActiveOnly)
	if err != nil {
		return nil, err
	}
	for _, tpl := range templates {
		if err := s.expand(ctx, tpl, opts.IncludeFields, opts.IncludeLevels); err != nil {
			return nil, err
		}
	}
	if templates == nil {
		templates = []*repository.Template{}
	}
	return templates, nil
}

// ReplaceTemplateFields swaps the field list of a template that no request
// references yet.
func (s *TemplateService) ReplaceTemplateFields(ctx context.Context, id string, in []FieldInput) ([]repository.FieldDescriptor, error) {
	if _, err := s.templates.GetTemplate(ctx, id); err != nil {
		return nil, err
	}
	referenced, err := s.templates.IsTemplateReferenced(ctx, id)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, errors.InvalidState("fields cannot change once requests reference the template")
	}

	fields, err := buildFields(id, in)
	if err != nil {
		return nil, err
	}
	if err := s.templates.ReplaceFields(ctx, id, fields); err != nil {
		return nil, err
	}

	s.log.Info().Str("template_id", id).Int("fields", len(fields)).Msg("Template fields replaced")
	return fields, nil
}

// ReplaceTemplateLevels replaces the level chain of one scope. Requests in
// flight keep their frozen level count; later levels resolve against the new
// configuration.
func (s *TemplateService) ReplaceTemplateLevels(ctx context.Context, id string, scope repository.Scope, in []LevelInput) ([]*repository.Level, error) {
	if !scope.IsValid() {
		return nil, errors.InvalidInput("scope", "project and cohort must be given together")
	}
	if _, err := s.templates.GetTemplate(ctx, id); err != nil {
		return nil, err
	}

	levels, err := s.buildLevels(id, scope, in)
	if err != nil {
		return nil, err
	}
	if err := s.templates.ReplaceLevels(ctx, id, scope, levels); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", id).
		Str("scope", scope.String()).
		Int("levels", len(levels)).
		Msg("Template levels replaced")
	return levels, nil
}

func (s *TemplateService) expand(ctx context.Context, tpl *repository.Template, includeFields, includeLevels bool) error {
	if includeFields {
		fields, err := s.templates.ListFields(ctx, tpl.ID)
		if err != nil {
			return err
		}
		tpl.Fields = fields
	}
	if includeLevels {
		levels, err := s.templates.ListAllLevels(ctx, tpl.ID)
		if err != nil {
			return err
		}
		tpl.Levels = levels
	}
	return nil
}

func (s *TemplateService) buildLevels(templateID string, scope repository.Scope, in []LevelInput) ([]*repository.Level, error) {
	sorted := make([]LevelInput, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LevelNumber < sorted[j].LevelNumber })

	var details []string
	now := s.now()
	levels := make([]*repository.Level, 0, len(sorted))

	for i, li := range sorted {
		if li.LevelNumber != i+1 {
			details = append(details, fmt.Sprintf("level numbers must be contiguous from 1 (got %d at position %d)", li.LevelNumber, i+1))
			continue
		}
		if li.EscalateAfterHours != nil && *li.EscalateAfterHours <= 0 {
			details = append(details, fmt.Sprintf("level %d: escalateAfterHours must be positive", li.LevelNumber))
		}

		level := &repository.Level{
			ID:                 uuid.NewString(),
			TemplateID:         templateID,
			Scope:              scope,
			LevelNumber:        li.LevelNumber,
			Name:               strings.TrimSpace(li.Name),
			EscalateAfterHours: li.EscalateAfterHours,
			EscalateToUserID:   li.EscalateToUserID,
			IsActive:           true,
			CreatedAt:          now,
		}
		if level.Name == "" {
			level.Name = fmt.Sprintf("Level %d", li.LevelNumber)
		}

		for j, ci := range li.Approvers {
			if msg := validateCandidate(ci); msg != "" {
				details = append(details, fmt.Sprintf("level %d approver %d: %s", li.LevelNumber, j+1, msg))
				continue
			}
			level.Approvers = append(level.Approvers, repository.ApproverCandidate{
				ID:        uuid.NewString(),
				LevelID:   level.ID,
				Kind:      ci.Kind,
				UserID:    ci.UserID,
				Role:      ci.Role,
				SortOrder: ci.SortOrder,
				IsActive:  true,
			})
		}
		levels = append(levels, level)
	}

	if len(details) > 0 {
		return nil, errors.Validation("invalid level configuration", details...)
	}
	return levels, nil
}

func validateCandidate(c CandidateInput) string {
	hasUser := c.UserID != nil && *c.UserID != ""
	hasRole := c.Role != nil && *c.Role != ""

	switch c.Kind {
	case repository.CandidateSupervisor:
		if hasUser || hasRole {
			return "SUPERVISOR takes neither userId nor role"
		}
	case repository.CandidateUser:
		if !hasUser || hasRole {
			return "USER requires userId and no role"
		}
	case repository.CandidateRole:
		if !hasRole || hasUser {
			return "ROLE requires role and no userId"
		}
	default:
		return fmt.Sprintf("unknown kind %q", c.Kind)
	}
	return ""
}

func buildFields(templateID string, in []FieldInput) ([]repository.FieldDescriptor, error) {
	var details []string
	seen := make(map[string]struct{}, len(in))
	fields := make([]repository.FieldDescriptor, 0, len(in))

	for i, fi := range in {
		name := strings.TrimSpace(fi.Name)
		switch {
		case name == "":
			details = append(details, fmt.Sprintf("field %d: name is required", i+1))
			continue
		case !fi.Kind.Valid():
			details = append(details, fmt.Sprintf("field %s: unknown kind %q", name, fi.Kind))
			continue
		}
		if _, dup := seen[name]; dup {
			details = append(details, fmt.Sprintf("field %s: duplicate name", name))
			continue
		}
		seen[name] = struct{}{}

		if (fi.Kind == repository.FieldSelect || fi.Kind == repository.FieldMultiSelect) && len(fi.Options) == 0 {
			details = append(details, fmt.Sprintf("field %s: options are required for %s", name, fi.Kind))
			continue
		}

		label := strings.TrimSpace(fi.Label)
		if label == "" {
			label = name
		}
		fields = append(fields, repository.FieldDescriptor{
			ID:         uuid.NewString(),
			TemplateID: templateID,
			Name:       name,
			Label:      label,
			Kind:       fi.Kind,
			Required:   fi.Required,
			Options:    lo.Uniq(fi.Options),
			SortOrder:  fi.SortOrder,
		})
	}

	if len(details) > 0 {
		return nil, errors.Validation("invalid field definitions", details...)
	}
	return fields, nil
}

func validateSLA(hours *int) error {
	if hours != nil && *hours <= 0 {
		return errors.InvalidInput("default_sla_hours", "must be a positive number of hours")
	}
	return nil
}
