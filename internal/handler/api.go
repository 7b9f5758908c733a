package handler

import (
	"context"

	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// API is the transport-neutral surface shared by the HTTP and gRPC handlers.
// It resolves the caller, checks permissions and converts wire bodies into
// service inputs.
type API struct {
	templates     *service.TemplateService
	requests      *service.ApprovalRequestService
	notifications *service.NotificationService
	oracle        auth.PermissionOracle
	log           *logger.Logger
}

// NewAPI creates a new API. A nil oracle allows everything.
func NewAPI(
	templates *service.TemplateService,
	requests *service.ApprovalRequestService,
	notifications *service.NotificationService,
	oracle auth.PermissionOracle,
	log *logger.Logger,
) *API {
	if oracle == nil {
		oracle = auth.AllowAllOracle{}
	}
	return &API{
		templates:     templates,
		requests:      requests,
		notifications: notifications,
		oracle:        oracle,
		log:           log,
	}
}

// ── Wire bodies ───────────────────────────────────────────────────────────────

type fieldBody struct {
	Name      string               `json:"name"`
	Label     string               `json:"label"`
	Kind      repository.FieldKind `json:"kind"`
	Required  bool                 `json:"required"`
	Options   []string             `json:"options,omitempty"`
	SortOrder int                  `json:"sortOrder"`
}

type templateBody struct {
	Name            string      `json:"name"`
	Description     *string     `json:"description,omitempty"`
	Category        *string     `json:"category,omitempty"`
	Icon            *string     `json:"icon,omitempty"`
	DefaultSLAHours *int        `json:"defaultSlaHours,omitempty"`
	Fields          []fieldBody `json:"fields,omitempty"`
}

type templatePatchBody struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	Category        *string `json:"category,omitempty"`
	Icon            *string `json:"icon,omitempty"`
	DefaultSLAHours *int    `json:"defaultSlaHours,omitempty"`
	ClearSLA        bool    `json:"clearSla,omitempty"`
	IsActive        *bool   `json:"isActive,omitempty"`
}

type candidateBody struct {
	Kind      repository.CandidateKind `json:"kind"`
	UserID    *string                  `json:"userId,omitempty"`
	Role      *string                  `json:"role,omitempty"`
	SortOrder int                      `json:"sortOrder"`
}

type levelBody struct {
	LevelNumber        int             `json:"levelNumber"`
	Name               string          `json:"name,omitempty"`
	EscalateAfterHours *int            `json:"escalateAfterHours,omitempty"`
	EscalateToUserID   *string         `json:"escalateToUserId,omitempty"`
	Approvers          []candidateBody `json:"approvers"`
}

type levelsBody struct {
	ProjectID *string     `json:"projectId,omitempty"`
	CohortID  *string     `json:"cohortId,omitempty"`
	Levels    []levelBody `json:"levels"`
}

type createRequestBody struct {
	TemplateID  string         `json:"templateId"`
	ProjectID   *string        `json:"projectId,omitempty"`
	CohortID    *string        `json:"cohortId,omitempty"`
	FormData    map[string]any `json:"formData"`
	Attachments []string       `json:"attachments,omitempty"`
	SubmitNow   bool           `json:"submitNow"`
}

type updateRequestBody struct {
	FormData    map[string]any `json:"formData"`
	Attachments []string       `json:"attachments,omitempty"`
	SubmitNow   bool           `json:"submitNow"`
}

type actionBody struct {
	Action  repository.ActionType `json:"action"`
	Comment string                `json:"comment,omitempty"`
}

type listRequestsQuery struct {
	View       string `json:"view,omitempty"`
	Status     string `json:"status,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type deleteTemplateResult struct {
	Deleted     bool `json:"deleted"`
	Deactivated bool `json:"deactivated"`
}

type cancelResult struct {
	Deleted bool                        `json:"deleted"`
	Request *repository.ApprovalRequest `json:"request,omitempty"`
}

// ── Templates ─────────────────────────────────────────────────────────────────

func (a *API) CreateTemplate(ctx context.Context, body *templateBody) (*repository.Template, error) {
	caller, err := a.authorize(ctx, auth.PermTemplatesManage)
	if err != nil {
		return nil, err
	}
	return a.templates.CreateTemplate(ctx, &service.CreateTemplateInput{
		Name:            body.Name,
		Description:     body.Description,
		Category:        body.Category,
		Icon:            body.Icon,
		DefaultSLAHours: body.DefaultSLAHours,
		Fields:          fieldInputs(body.Fields),
		CreatedBy:       caller,
	})
}

func (a *API) UpdateTemplate(ctx context.Context, id string, body *templatePatchBody) (*repository.Template, error) {
	if _, err := a.authorize(ctx, auth.PermTemplatesManage); err != nil {
		return nil, err
	}
	return a.templates.UpdateTemplate(ctx, id, &service.UpdateTemplateInput{
		Name:            body.Name,
		Description:     body.Description,
		Category:        body.Category,
		Icon:            body.Icon,
		DefaultSLAHours: body.DefaultSLAHours,
		ClearSLA:        body.ClearSLA,
		IsActive:        body.IsActive,
	})
}

func (a *API) DeleteTemplate(ctx context.Context, id string) (*deleteTemplateResult, error) {
	if _, err := a.authorize(ctx, auth.PermTemplatesManage); err != nil {
		return nil, err
	}
	deactivated, err := a.templates.DeleteTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return &deleteTemplateResult{Deleted: !deactivated, Deactivated: deactivated}, nil
}

func (a *API) GetTemplate(ctx context.Context, id string, includeFields, includeLevels bool) (*repository.Template, error) {
	if _, err := a.authorize(ctx, auth.PermRequestsRead); err != nil {
		return nil, err
	}
	return a.templates.GetTemplate(ctx, id, includeFields, includeLevels)
}

func (a *API) ListTemplates(ctx context.Context, opts service.TemplateListOptions) ([]*repository.Template, error) {
	if _, err := a.authorize(ctx, auth.PermRequestsRead); err != nil {
		return nil, err
	}
	return a.templates.ListTemplates(ctx, opts)
}

func (a *API) ReplaceTemplateFields(ctx context.Context, id string, fields []fieldBody) ([]repository.FieldDescriptor, error) {
	if _, err := a.authorize(ctx, auth.PermTemplatesManage); err != nil {
		return nil, err
	}
	return a.templates.ReplaceTemplateFields(ctx, id, fieldInputs(fields))
}

func (a *API) ReplaceTemplateLevels(ctx context.Context, id string, body *levelsBody) ([]*repository.Level, error) {
	if _, err := a.authorize(ctx, auth.PermTemplatesManage); err != nil {
		return nil, err
	}
	levels := lo.Map(body.Levels, func(l levelBody, _ int) service.LevelInput {
		return service.LevelInput{
			LevelNumber:        l.LevelNumber,
			Name:               l.Name,
			EscalateAfterHours: l.EscalateAfterHours,
			EscalateToUserID:   l.EscalateToUserID,
			Approvers: lo.Map(l.Approvers, func(c candidateBody, _ int) service.CandidateInput {
				return service.CandidateInput{Kind: c.Kind, UserID: c.UserID, Role: c.Role, SortOrder: c.SortOrder}
			}),
		}
	})
	scope := repository.Scope{ProjectID: body.ProjectID, CohortID: body.CohortID}
	return a.templates.ReplaceTemplateLevels(ctx, id, scope, levels)
}

// ── Requests ──────────────────────────────────────────────────────────────────

func (a *API) CreateRequest(ctx context.Context, body *createRequestBody) (*repository.ApprovalRequest, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return nil, err
	}
	return a.requests.CreateRequest(ctx, &service.CreateRequestInput{
		TemplateID:  body.TemplateID,
		RequesterID: caller,
		Scope:       repository.Scope{ProjectID: body.ProjectID, CohortID: body.CohortID},
		FormData:    body.FormData,
		Attachments: body.Attachments,
		SubmitNow:   body.SubmitNow,
	})
}

func (a *API) ListRequests(ctx context.Context, q *listRequestsQuery) (*service.RequestPage, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsRead)
	if err != nil {
		return nil, err
	}

	filter := repository.RequestListFilter{
		View:    repository.RequestView(q.View),
		ActorID: caller,
		Page:    q.Page,
		Limit:   q.Limit,
	}
	if filter.View == repository.ViewAll {
		if err := auth.Require(ctx, a.oracle, caller, auth.PermRequestsReadAll); err != nil {
			return nil, err
		}
	}
	if q.Status != "" {
		filter.Status = lo.ToPtr(repository.RequestStatus(q.Status))
	}
	if q.TemplateID != "" {
		filter.TemplateID = lo.ToPtr(q.TemplateID)
	}
	return a.requests.ListRequests(ctx, filter)
}

// GetRequest returns a request to its requester, anyone who took part in
// it, or a caller allowed to read every request.
func (a *API) GetRequest(ctx context.Context, id string) (*service.RequestDetail, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsRead)
	if err != nil {
		return nil, err
	}
	detail, err := a.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if participates(detail, caller) {
		return detail, nil
	}
	if err := auth.Require(ctx, a.oracle, caller, auth.PermRequestsReadAll); err != nil {
		return nil, err
	}
	return detail, nil
}

func (a *API) UpdateRequest(ctx context.Context, id string, body *updateRequestBody) (*repository.ApprovalRequest, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return nil, err
	}
	return a.requests.UpdateAndResubmit(ctx, &service.UpdateRequestInput{
		RequestID:   id,
		ActorID:     caller,
		FormData:    body.FormData,
		Attachments: body.Attachments,
		SubmitNow:   body.SubmitNow,
	})
}

func (a *API) SubmitRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return nil, err
	}
	return a.requests.Submit(ctx, id, caller)
}

func (a *API) Act(ctx context.Context, id string, body *actionBody) (*repository.ApprovalRequest, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return nil, err
	}
	return a.requests.Act(ctx, &service.ActInput{
		RequestID: id,
		ActorID:   caller,
		Action:    body.Action,
		Comment:   body.Comment,
	})
}

func (a *API) CancelRequest(ctx context.Context, id string) (*cancelResult, error) {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return nil, err
	}
	res, err := a.requests.Cancel(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return &cancelResult{Deleted: true}, nil
	}
	return &cancelResult{Request: res.Request}, nil
}

func (a *API) DeleteRequest(ctx context.Context, id string) error {
	caller, err := a.authorize(ctx, auth.PermRequestsWrite)
	if err != nil {
		return err
	}
	return a.requests.DeleteDraft(ctx, id, caller)
}

func (a *API) ListStuckRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	if _, err := a.authorize(ctx, auth.PermMonitorStuck); err != nil {
		return nil, err
	}
	return nonNil(a.requests.ListStuckRequests(ctx))
}

func (a *API) ListOverdueRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	if _, err := a.authorize(ctx, auth.PermMonitorStuck); err != nil {
		return nil, err
	}
	return nonNil(a.requests.ListOverdueRequests(ctx))
}

// ── Notifications ─────────────────────────────────────────────────────────────

func (a *API) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]*repository.Notification, error) {
	caller, err := a.authorize(ctx, auth.PermNotificationsRead)
	if err != nil {
		return nil, err
	}
	return a.notifications.ListNotifications(ctx, caller, unreadOnly, limit)
}

func (a *API) MarkNotificationRead(ctx context.Context, id string) error {
	caller, err := a.authorize(ctx, auth.PermNotificationsRead)
	if err != nil {
		return err
	}
	return a.notifications.MarkRead(ctx, caller, id)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// authorize returns the caller's ID once they hold permission.
func (a *API) authorize(ctx context.Context, permission string) (string, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return "", err
	}
	if err := auth.Require(ctx, a.oracle, uc.UserID, permission); err != nil {
		return "", err
	}
	return uc.UserID, nil
}

func participates(detail *service.RequestDetail, userID string) bool {
	req := detail.Request
	if req.RequesterID == userID || lo.FromPtr(req.CurrentApproverID) == userID {
		return true
	}
	return lo.ContainsBy(detail.Actions, func(act *repository.ApprovalAction) bool {
		return act.ActorID == userID || lo.FromPtr(act.NextApproverID) == userID
	})
}

func fieldInputs(fields []fieldBody) []service.FieldInput {
	return lo.Map(fields, func(f fieldBody, _ int) service.FieldInput {
		return service.FieldInput{
			Name:      f.Name,
			Label:     f.Label,
			Kind:      f.Kind,
			Required:  f.Required,
			Options:   f.Options,
			SortOrder: f.SortOrder,
		}
	})
}

func nonNil(requests []*repository.ApprovalRequest, err error) ([]*repository.ApprovalRequest, error) {
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}
	return requests, nil
}

// errMissingID is returned when a call names no resource.
var errMissingID = errors.InvalidInput("id", "id is required")
