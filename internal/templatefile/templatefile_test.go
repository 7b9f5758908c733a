package templatefile

import (
	"context"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const leaveDoc = `
templates:
  - name: Leave Request
    category: HR
    defaultSlaHours: 24
    fields:
      - name: start_date
        label: Start Date
        kind: date
        required: true
      - name: reason
        label: Reason
        kind: TEXT
        required: true
    chains:
      - levels:
          - name: Supervisor
            approvers:
              - supervisor: true
              - role: lead
          - name: Manager
            escalateAfterHours: 48
            escalateToUserId: U9
            approvers:
              - user: U2
      - projectId: P1
        cohortId: C1
        levels:
          - approvers:
              - user: U1
`

type discardSink struct{}

func (discardSink) Send(context.Context, *repository.Notification) {}

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(leaveDoc))
	require.NoError(t, err)
	require.Len(t, f.Templates, 1)

	tpl := f.Templates[0]
	assert.Equal(t, "Leave Request", tpl.Name)
	assert.Equal(t, 24, lo.FromPtr(tpl.DefaultSLAHours))
	assert.Len(t, tpl.Fields, 2)
	require.Len(t, tpl.Chains, 2)
	assert.True(t, tpl.Chains[0].Levels[0].Approvers[0].Supervisor)
	assert.Equal(t, "P1", tpl.Chains[1].ProjectID)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		detail string
	}{
		{
			name: "empty document",
			doc:  "",
		},
		{
			name:   "missing name",
			doc:    "templates:\n  - category: HR\n",
			detail: "templates[0]: name is required",
		},
		{
			name:   "duplicate name",
			doc:    "templates:\n  - name: A\n  - name: a\n",
			detail: `templates[1]: duplicate template "a"`,
		},
		{
			name:   "half scope",
			doc:    "templates:\n  - name: A\n    chains:\n      - projectId: P1\n",
			detail: "templates[0].chains[0]: projectId and cohortId must be set together",
		},
		{
			name:   "two candidate modes",
			doc:    "templates:\n  - name: A\n    chains:\n      - levels:\n          - approvers:\n              - user: U1\n                role: lead\n",
			detail: "templates[0].chains[0].levels[0].approvers[0]: exactly one of supervisor, user, role is required",
		},
		{
			name: "unknown key",
			doc:  "templates:\n  - name: A\n    colour: red\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
			if tt.detail != "" {
				assert.Contains(t, errors.DetailsOf(err), tt.detail)
			}
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	templates := service.NewTemplateService(store, logger.Nop())

	f, err := Parse(strings.NewReader(leaveDoc))
	require.NoError(t, err)

	res, err := Apply(ctx, templates, f, "admin", logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"Leave Request"}, res.Created)
	assert.Empty(t, res.Updated)
	assert.Equal(t, 2, res.Chains)

	list, err := templates.ListTemplates(ctx, service.TemplateListOptions{ActiveOnly: true, IncludeFields: true, IncludeLevels: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	tpl := list[0]
	assert.Equal(t, "admin", tpl.CreatedBy)
	require.Len(t, tpl.Fields, 2)
	assert.Equal(t, repository.FieldDate, tpl.Fields[0].Kind)
	assert.Equal(t, 1, tpl.Fields[0].SortOrder)
	assert.Len(t, tpl.Levels, 3)

	global, err := store.ListLevels(ctx, tpl.ID, repository.Scope{})
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal(t, 2, global[1].LevelNumber)
	assert.Equal(t, "U9", lo.FromPtr(global[1].EscalateToUserID))
	require.Len(t, global[0].Approvers, 2)
	assert.Equal(t, repository.CandidateSupervisor, global[0].Approvers[0].Kind)
	assert.Equal(t, repository.CandidateRole, global[0].Approvers[1].Kind)
}

func TestApply_UpdatesExistingTemplate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	log := logger.Nop()
	templates := service.NewTemplateService(store, log)

	f, err := Parse(strings.NewReader(leaveDoc))
	require.NoError(t, err)
	_, err = Apply(ctx, templates, f, "admin", log)
	require.NoError(t, err)

	list, err := templates.ListTemplates(ctx, service.TemplateListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	templateID := list[0].ID

	// A request makes the template's fields immutable.
	resolver := service.NewApproverResolver(store, store, log)
	requests := service.NewApprovalRequestService(store, store, resolver, discardSink{}, log)
	_, err = requests.CreateRequest(ctx, &service.CreateRequestInput{
		TemplateID:  templateID,
		RequesterID: "R",
		FormData:    map[string]any{"start_date": "2025-06-01", "reason": "rest"},
	})
	require.NoError(t, err)

	f.Templates[0].DefaultSLAHours = nil
	f.Templates[0].Fields = f.Templates[0].Fields[:1]
	res, err := Apply(ctx, templates, f, "admin", log)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"Leave Request"}, res.Updated)
	assert.Equal(t, []string{"Leave Request"}, res.FieldsSkipped)

	tpl, err := templates.GetTemplate(ctx, templateID, true, false)
	require.NoError(t, err)
	assert.Nil(t, tpl.DefaultSLAHours)
	assert.Len(t, tpl.Fields, 2)
}
