// Package templatefile loads approval templates, their fields and their
// level chains from a YAML document and applies them through the template
// service.
package templatefile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// File is the root of a template document.
type File struct {
	Templates []Template `yaml:"templates"`
}

// Template is one template with its fields and level chains.
type Template struct {
	Name            string  `yaml:"name"`
	Description     *string `yaml:"description"`
	Category        *string `yaml:"category"`
	Icon            *string `yaml:"icon"`
	DefaultSLAHours *int    `yaml:"defaultSlaHours"`
	Fields          []Field `yaml:"fields"`
	Chains          []Chain `yaml:"chains"`
}

// Field is one form field. SortOrder defaults to its position.
type Field struct {
	Name      string   `yaml:"name"`
	Label     string   `yaml:"label"`
	Kind      string   `yaml:"kind"`
	Required  bool     `yaml:"required"`
	Options   []string `yaml:"options"`
	SortOrder int      `yaml:"sortOrder"`
}

// Chain is the level configuration of one scope. An empty scope is global.
type Chain struct {
	ProjectID string  `yaml:"projectId"`
	CohortID  string  `yaml:"cohortId"`
	Levels    []Level `yaml:"levels"`
}

// Level is one approval level; levels are numbered by position.
type Level struct {
	Name               string      `yaml:"name"`
	EscalateAfterHours *int        `yaml:"escalateAfterHours"`
	EscalateToUserID   *string     `yaml:"escalateToUserId"`
	Approvers          []Candidate `yaml:"approvers"`
}

// Candidate names exactly one of supervisor, user or role.
type Candidate struct {
	Supervisor bool   `yaml:"supervisor"`
	User       string `yaml:"user"`
	Role       string `yaml:"role"`
}

// Load reads and parses a template file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "read template file")
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a template document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrCodeValidation, "parse template file")
	}
	if details := f.validate(); len(details) > 0 {
		return nil, errors.Validation("invalid template file", details...)
	}
	return &f, nil
}

func (f *File) validate() []string {
	var details []string
	if len(f.Templates) == 0 {
		return []string{"no templates defined"}
	}

	seen := map[string]bool{}
	for i, t := range f.Templates {
		where := fmt.Sprintf("templates[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			details = append(details, where+": name is required")
		} else if seen[strings.ToLower(name)] {
			details = append(details, fmt.Sprintf("%s: duplicate template %q", where, name))
		}
		seen[strings.ToLower(name)] = true

		for j, c := range t.Chains {
			if (c.ProjectID == "") != (c.CohortID == "") {
				details = append(details, fmt.Sprintf("%s.chains[%d]: projectId and cohortId must be set together", where, j))
			}
			for k, l := range c.Levels {
				for m, cand := range l.Approvers {
					if cand.modes() != 1 {
						details = append(details, fmt.Sprintf("%s.chains[%d].levels[%d].approvers[%d]: exactly one of supervisor, user, role is required", where, j, k, m))
					}
				}
			}
		}
	}
	return details
}

func (c Candidate) modes() int {
	return lo.Count([]bool{c.Supervisor, c.User != "", c.Role != ""}, true)
}

// TemplateManager is the part of the template service Apply drives.
type TemplateManager interface {
	CreateTemplate(ctx context.Context, in *service.CreateTemplateInput) (*repository.Template, error)
	UpdateTemplate(ctx context.Context, id string, in *service.UpdateTemplateInput) (*repository.Template, error)
	ListTemplates(ctx context.Context, opts service.TemplateListOptions) ([]*repository.Template, error)
	ReplaceTemplateFields(ctx context.Context, id string, fields []service.FieldInput) ([]repository.FieldDescriptor, error)
	ReplaceTemplateLevels(ctx context.Context, id string, scope repository.Scope, levels []service.LevelInput) ([]*repository.Level, error)
}

// Result summarizes an Apply run.
type Result struct {
	Created       []string
	Updated       []string
	FieldsSkipped []string
	Chains        int
}

// Apply creates the templates of f that do not exist yet and updates those
// that do, matched by case-insensitive name. Fields of a template already
// referenced by requests are left untouched and reported in FieldsSkipped.
func Apply(ctx context.Context, m TemplateManager, f *File, createdBy string, log *logger.Logger) (*Result, error) {
	existing, err := m.ListTemplates(ctx, service.TemplateListOptions{})
	if err != nil {
		return nil, err
	}
	byName := lo.KeyBy(existing, func(t *repository.Template) string { return strings.ToLower(t.Name) })

	res := &Result{}
	for _, t := range f.Templates {
		name := strings.TrimSpace(t.Name)
		var id string

		if cur, ok := byName[strings.ToLower(name)]; ok {
			id = cur.ID
			_, err := m.UpdateTemplate(ctx, id, &service.UpdateTemplateInput{
				Name:            &name,
				Description:     t.Description,
				Category:        t.Category,
				Icon:            t.Icon,
				DefaultSLAHours: t.DefaultSLAHours,
				ClearSLA:        t.DefaultSLAHours == nil,
				IsActive:        lo.ToPtr(true),
			})
			if err != nil {
				return res, fmt.Errorf("update template %q: %w", name, err)
			}

			_, err = m.ReplaceTemplateFields(ctx, id, fieldInputs(t.Fields))
			switch {
			case errors.Is(err, errors.ErrCodeInvalidState):
				log.Warn().Str("template", name).Msg("Template is referenced by requests, fields left unchanged")
				res.FieldsSkipped = append(res.FieldsSkipped, name)
			case err != nil:
				return res, fmt.Errorf("replace fields of %q: %w", name, err)
			}
			res.Updated = append(res.Updated, name)
		} else {
			tpl, err := m.CreateTemplate(ctx, &service.CreateTemplateInput{
				Name:            name,
				Description:     t.Description,
				Category:        t.Category,
				Icon:            t.Icon,
				DefaultSLAHours: t.DefaultSLAHours,
				Fields:          fieldInputs(t.Fields),
				CreatedBy:       createdBy,
			})
			if err != nil {
				return res, fmt.Errorf("create template %q: %w", name, err)
			}
			id = tpl.ID
			res.Created = append(res.Created, name)
		}

		for _, c := range t.Chains {
			if _, err := m.ReplaceTemplateLevels(ctx, id, c.scope(), levelInputs(c.Levels)); err != nil {
				return res, fmt.Errorf("replace levels of %q: %w", name, err)
			}
			res.Chains++
		}
		log.Info().Str("template", name).Str("template_id", id).Int("chains", len(t.Chains)).Msg("Template applied")
	}
	return res, nil
}

func (c Chain) scope() repository.Scope {
	if c.ProjectID == "" {
		return repository.Scope{}
	}
	return repository.Scope{ProjectID: lo.ToPtr(c.ProjectID), CohortID: lo.ToPtr(c.CohortID)}
}

func fieldInputs(fields []Field) []service.FieldInput {
	return lo.Map(fields, func(f Field, i int) service.FieldInput {
		sort := f.SortOrder
		if sort == 0 {
			sort = i + 1
		}
		return service.FieldInput{
			Name:      f.Name,
			Label:     f.Label,
			Kind:      repository.FieldKind(strings.ToUpper(f.Kind)),
			Required:  f.Required,
			Options:   f.Options,
			SortOrder: sort,
		}
	})
}

func levelInputs(levels []Level) []service.LevelInput {
	return lo.Map(levels, func(l Level, i int) service.LevelInput {
		return service.LevelInput{
			LevelNumber:        i + 1,
			Name:               l.Name,
			EscalateAfterHours: l.EscalateAfterHours,
			EscalateToUserID:   l.EscalateToUserID,
			Approvers: lo.Map(l.Approvers, func(c Candidate, j int) service.CandidateInput {
				in := service.CandidateInput{SortOrder: j + 1}
				switch {
				case c.Supervisor:
					in.Kind = repository.CandidateSupervisor
				case c.User != "":
					in.Kind = repository.CandidateUser
					in.UserID = lo.ToPtr(c.User)
				default:
					in.Kind = repository.CandidateRole
					in.Role = lo.ToPtr(c.Role)
				}
				return in
			}),
		}
	})
}
