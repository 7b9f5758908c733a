package memory

import (
	"maps"
	"slices"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func cloneTemplate(t *repository.Template) *repository.Template {
	c := *t
	c.Description = clonePtr(t.Description)
	c.Category = clonePtr(t.Category)
	c.Icon = clonePtr(t.Icon)
	c.DefaultSLAHours = clonePtr(t.DefaultSLAHours)
	c.Fields = nil
	c.Levels = nil
	return &c
}

func cloneFields(templateID string, fields []repository.FieldDescriptor) []repository.FieldDescriptor {
	out := make([]repository.FieldDescriptor, len(fields))
	for i, f := range fields {
		f.TemplateID = templateID
		f.Options = slices.Clone(f.Options)
		out[i] = f
	}
	return out
}

func cloneScope(s repository.Scope) repository.Scope {
	return repository.Scope{ProjectID: clonePtr(s.ProjectID), CohortID: clonePtr(s.CohortID)}
}

func cloneLevel(l *repository.Level) *repository.Level {
	c := *l
	c.Scope = cloneScope(l.Scope)
	c.EscalateAfterHours = clonePtr(l.EscalateAfterHours)
	c.EscalateToUserID = clonePtr(l.EscalateToUserID)
	c.Approvers = make([]repository.ApproverCandidate, len(l.Approvers))
	for i, a := range l.Approvers {
		a.UserID = clonePtr(a.UserID)
		a.Role = clonePtr(a.Role)
		c.Approvers[i] = a
	}
	return &c
}

func cloneRequest(r *repository.ApprovalRequest) *repository.ApprovalRequest {
	c := *r
	c.Scope = cloneScope(r.Scope)
	c.FormData = maps.Clone(r.FormData)
	if c.FormData == nil {
		c.FormData = map[string]any{}
	}
	c.Attachments = slices.Clone(r.Attachments)
	c.CurrentApproverID = clonePtr(r.CurrentApproverID)
	c.SubmittedAt = clonePtr(r.SubmittedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.SLADeadline = clonePtr(r.SLADeadline)
	return &c
}

func cloneAction(a *repository.ApprovalAction) *repository.ApprovalAction {
	c := *a
	c.Comment = clonePtr(a.Comment)
	c.PreviousApproverID = clonePtr(a.PreviousApproverID)
	c.NextApproverID = clonePtr(a.NextApproverID)
	c.ResponseTimeHours = clonePtr(a.ResponseTimeHours)
	c.TotalLevels = clonePtr(a.TotalLevels)
	c.FormDataSnapshot = maps.Clone(a.FormDataSnapshot)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
