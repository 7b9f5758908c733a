package service

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Notification types emitted by request transitions.
const (
	NotifyApprovalRequired = "approval_required"
	NotifyApprovalProgress = "approval_progress"
	NotifyRequestApproved  = "request_approved"
	NotifyRequestDeclined  = "request_declined"
	NotifyRequestSentBack  = "request_sent_back"
	NotifyRequestCancelled = "request_cancelled"
	NotifySLAOverdue       = "sla_overdue"
	NotifySLAEscalation    = "sla_escalation"
)

const (
	cancelComment          = "Request cancelled by requester"
	notificationEntityType = "approval_request"

	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ApprovalRequestService owns the lifecycle of approval requests. Every
// transition is written together with exactly one action through
// RequestStore.ApplyTransition, guarded by the request version.
type ApprovalRequestService struct {
	templates TemplateStore
	requests  RequestStore
	resolver  *ApproverResolver
	notifier  NotificationSink
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// Option customizes an ApprovalRequestService.
type Option func(*ApprovalRequestService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalRequestService) { s.now = now }
}

// WithMetrics records transitions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ApprovalRequestService) { s.metrics = m }
}

// NewApprovalRequestService creates a new ApprovalRequestService.
func NewApprovalRequestService(
	templates TemplateStore,
	requests RequestStore,
	resolver *ApproverResolver,
	notifier NotificationSink,
	log *logger.Logger,
	opts ...Option,
) *ApprovalRequestService {
	s := &ApprovalRequestService{
		templates: templates,
		requests:  requests,
		resolver:  resolver,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequestInput is the input of CreateRequest.
type CreateRequestInput struct {
	TemplateID  string
	RequesterID string
	Scope       repository.Scope
	FormData    map[string]any
	Attachments []string
	SubmitNow   bool
}

// UpdateRequestInput is the input of UpdateAndResubmit.
type UpdateRequestInput struct {
	RequestID   string
	ActorID     string
	FormData    map[string]any
	Attachments []string
	SubmitNow   bool
}

// ActInput is the input of Act.
type ActInput struct {
	RequestID string
	ActorID   string
	Action    repository.ActionType
	Comment   string
}

// CancelResult reports whether a cancel deleted a draft or cancelled a request.
type CancelResult struct {
	Deleted bool
	Request *repository.ApprovalRequest
}

// RequestDetail is a request with its action trail, oldest first.
type RequestDetail struct {
	Request *repository.ApprovalRequest  `json:"request"`
	Actions []*repository.ApprovalAction `json:"actions"`
}

// RequestPage is one page of a request listing.
type RequestPage struct {
	Requests []*repository.ApprovalRequest `json:"requests"`
	Total    int64                         `json:"total"`
	Page     int                           `json:"page"`
	Limit    int                           `json:"limit"`
}

// ── Create / submit ───────────────────────────────────────────────────────────

// CreateRequest creates a draft, or when SubmitNow is set, a submitted request.
func (s *ApprovalRequestService) CreateRequest(ctx context.Context, in *CreateRequestInput) (*repository.ApprovalRequest, error) {
	if in.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester is required")
	}
	if in.TemplateID == "" {
		return nil, errors.InvalidInput("template_id", "template is required")
	}
	if !in.Scope.IsValid() {
		return nil, errors.InvalidInput("scope", "project and cohort must be given together")
	}

	tpl, err := s.activeTemplate(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		ID:          uuid.NewString(),
		TemplateID:  tpl.ID,
		RequesterID: in.RequesterID,
		Scope:       in.Scope,
		FormData:    formDataOrEmpty(in.FormData),
		Attachments: attachmentsOrEmpty(in.Attachments),
		Status:      repository.StatusDraft,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var action *repository.ApprovalAction
	if in.SubmitNow {
		if err := s.validateForm(ctx, tpl.ID, req.FormData); err != nil {
			return nil, err
		}
		action, err = s.prepareSubmit(ctx, tpl, req, repository.ActionSubmit, nil, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.requests.CreateRequest(ctx, req, action); err != nil {
		return nil, err
	}

	s.metrics.RequestCreated(string(req.Status))
	s.log.Info().
		Str("request_id", req.ID).
		Str("request_number", req.RequestNumber).
		Str("template_id", tpl.ID).
		Str("status", string(req.Status)).
		Msg("Approval request created")

	if action != nil {
		s.metrics.Transition(string(action.ActionType))
		s.notifySubmitted(ctx, req)
	}
	return req, nil
}

// Submit moves a draft into the approval chain.
func (s *ApprovalRequestService) Submit(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actorID {
		return nil, errors.Forbidden("only the requester can submit the request")
	}
	if req.Status != repository.StatusDraft {
		return nil, errors.InvalidState(fmt.Sprintf("request cannot be submitted from status %s", req.Status))
	}

	tpl, err := s.activeTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := s.validateForm(ctx, tpl.ID, req.FormData); err != nil {
		return nil, err
	}

	expected := req.Version
	action, err := s.prepareSubmit(ctx, tpl, req, repository.ActionSubmit, nil, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.requests.ApplyTransition(ctx, req, expected, action); err != nil {
		return nil, err
	}

	s.logTransition(req, action)
	s.notifySubmitted(ctx, req)
	return req, nil
}

// prepareSubmit resolves the first level and rewrites req as submitted. The
// returned action is the SUBMIT or RESUBMIT record to persist with it.
func (s *ApprovalRequestService) prepareSubmit(
	ctx context.Context,
	tpl *repository.Template,
	req *repository.ApprovalRequest,
	actionType repository.ActionType,
	previousApprover *string,
	now time.Time,
) (*repository.ApprovalAction, error) {
	res, err := s.resolver.Resolve(ctx, tpl.ID, req.Scope, 1, req.RequesterID)
	if err != nil {
		return nil, err
	}

	req.SubmittedAt = lo.ToPtr(now)
	req.UpdatedAt = now
	req.TotalLevels = res.TotalLevels

	if res.TotalLevels == 0 {
		// A chain without levels has nobody to wait for.
		req.Status = repository.StatusApproved
		req.CurrentLevel = 0
		req.CurrentApproverID = nil
		req.CompletedAt = lo.ToPtr(now)
		req.SLADeadline = nil
	} else {
		req.Status = repository.StatusPending
		req.CurrentLevel = 1
		req.CurrentApproverID = res.ApproverID
		req.CompletedAt = nil
		req.SLADeadline = slaDeadline(tpl, now)
	}

	return &repository.ApprovalAction{
		ID:                 uuid.NewString(),
		RequestID:          req.ID,
		ActionType:         actionType,
		Level:              0,
		ActorID:            req.RequesterID,
		PreviousApproverID: previousApprover,
		NextApproverID:     res.ApproverID,
		FormDataSnapshot:   maps.Clone(req.FormData),
		TotalLevels:        lo.ToPtr(res.TotalLevels),
		CreatedAt:          now,
	}, nil
}

// ── Act ───────────────────────────────────────────────────────────────────────

// Act records an approver's decision at the request's current level.
func (s *ApprovalRequestService) Act(ctx context.Context, in *ActInput) (*repository.ApprovalRequest, error) {
	switch in.Action {
	case repository.ActionApprove, repository.ActionDecline, repository.ActionSendBack:
	default:
		return nil, errors.InvalidInput("action", "must be one of APPROVE, DECLINE, SEND_BACK")
	}

	req, err := s.requests.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending {
		return nil, errors.InvalidState(fmt.Sprintf("request is not pending (status: %s)", req.Status))
	}
	if req.CurrentApproverID == nil || *req.CurrentApproverID != in.ActorID {
		return nil, errors.Forbidden("user is not the current approver of this request")
	}

	comment := strings.TrimSpace(in.Comment)
	if comment == "" && in.Action != repository.ActionApprove {
		return nil, errors.InvalidInput("comment", "a comment is required to decline or send back")
	}

	history, err := s.requests.ListActions(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expected := req.Version
	level := req.CurrentLevel
	previous := req.CurrentApproverID

	action := &repository.ApprovalAction{
		ID:                 uuid.NewString(),
		RequestID:          req.ID,
		ActionType:         in.Action,
		Level:              level,
		ActorID:            in.ActorID,
		PreviousApproverID: previous,
		WasOverdue:         req.SLADeadline != nil && now.After(*req.SLADeadline),
		ResponseTimeHours:  responseTimeHours(history, now),
		CreatedAt:          now,
	}
	if comment != "" {
		action.Comment = lo.ToPtr(comment)
	}

	var notes []*repository.Notification
	switch in.Action {
	case repository.ActionApprove:
		notes, err = s.applyApprove(ctx, req, action, now)
		if err != nil {
			return nil, err
		}

	case repository.ActionDecline:
		req.Status = repository.StatusDeclined
		req.CurrentApproverID = nil
		req.CompletedAt = lo.ToPtr(now)
		req.SLADeadline = nil
		notes = append(notes, s.notification(req.RequesterID, NotifyRequestDeclined, "Request declined",
			fmt.Sprintf("%s was declined: %s", req.RequestNumber, comment), req))

	case repository.ActionSendBack:
		target := sendBackTarget(history, level, req.RequesterID)
		req.Status = repository.StatusSentBack
		req.CurrentLevel = max(0, level-1)
		req.CurrentApproverID = lo.ToPtr(target)
		req.SLADeadline = nil
		action.NextApproverID = lo.ToPtr(target)
		notes = append(notes, s.notification(target, NotifyRequestSentBack, "Request sent back",
			fmt.Sprintf("%s was sent back: %s", req.RequestNumber, comment), req))
	}
	req.UpdatedAt = now

	if err := s.requests.ApplyTransition(ctx, req, expected, action); err != nil {
		return nil, err
	}

	s.logTransition(req, action)
	for _, n := range notes {
		s.notifier.Send(ctx, n)
	}
	return req, nil
}

// applyApprove advances req to the next level or finalizes it.
func (s *ApprovalRequestService) applyApprove(
	ctx context.Context,
	req *repository.ApprovalRequest,
	action *repository.ApprovalAction,
	now time.Time,
) ([]*repository.Notification, error) {
	next := req.CurrentLevel + 1

	var nextApprover *string
	if next <= req.TotalLevels {
		res, err := s.resolver.Resolve(ctx, req.TemplateID, req.Scope, next, req.RequesterID)
		if err != nil {
			return nil, err
		}
		nextApprover = res.ApproverID
	}

	if nextApprover == nil {
		req.Status = repository.StatusApproved
		req.CurrentApproverID = nil
		req.CompletedAt = lo.ToPtr(now)
		req.SLADeadline = nil
		return []*repository.Notification{
			s.notification(req.RequesterID, NotifyRequestApproved, "Request approved",
				fmt.Sprintf("%s has been fully approved", req.RequestNumber), req),
		}, nil
	}

	tpl, err := s.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	req.CurrentLevel = next
	req.CurrentApproverID = nextApprover
	req.SLADeadline = slaDeadline(tpl, now)
	action.NextApproverID = nextApprover

	return []*repository.Notification{
		s.notification(req.RequesterID, NotifyApprovalProgress, "Request progressed",
			fmt.Sprintf("%s was approved at level %d and moved to level %d", req.RequestNumber, next-1, next), req),
		s.notification(*nextApprover, NotifyApprovalRequired, "Approval required",
			fmt.Sprintf("%s is awaiting your approval", req.RequestNumber), req),
	}, nil
}

// ── Update / resubmit ─────────────────────────────────────────────────────────

// UpdateAndResubmit replaces the form of a draft or sent-back request and,
// when SubmitNow is set, restarts the chain at level 1.
func (s *ApprovalRequestService) UpdateAndResubmit(ctx context.Context, in *UpdateRequestInput) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != in.ActorID {
		return nil, errors.Forbidden("only the requester can update the request")
	}
	if req.Status != repository.StatusDraft && req.Status != repository.StatusSentBack {
		return nil, errors.InvalidState(fmt.Sprintf("request cannot be updated from status %s", req.Status))
	}

	now := s.now()
	expected := req.Version
	prior := req.Status
	req.FormData = formDataOrEmpty(in.FormData)
	req.Attachments = attachmentsOrEmpty(in.Attachments)
	req.UpdatedAt = now

	if !in.SubmitNow {
		if err := s.requests.ApplyTransition(ctx, req, expected, nil); err != nil {
			return nil, err
		}
		return req, nil
	}

	tpl, err := s.activeTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := s.validateForm(ctx, tpl.ID, req.FormData); err != nil {
		return nil, err
	}

	actionType := repository.ActionSubmit
	if prior == repository.StatusSentBack {
		actionType = repository.ActionResubmit
	}
	action, err := s.prepareSubmit(ctx, tpl, req, actionType, req.CurrentApproverID, now)
	if err != nil {
		return nil, err
	}
	if err := s.requests.ApplyTransition(ctx, req, expected, action); err != nil {
		return nil, err
	}

	s.logTransition(req, action)
	s.notifySubmitted(ctx, req)
	return req, nil
}

// ── Cancel / delete ───────────────────────────────────────────────────────────

// Cancel withdraws a request. Drafts are deleted outright; anything else
// that is not terminal becomes CANCELLED with an audit record.
func (s *ApprovalRequestService) Cancel(ctx context.Context, requestID, actorID string) (*CancelResult, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != actorID {
		return nil, errors.Forbidden("only the requester can cancel the request")
	}

	if req.Status == repository.StatusDraft {
		if err := s.requests.DeleteDraft(ctx, req.ID, req.Version); err != nil {
			return nil, err
		}
		s.log.Info().Str("request_id", req.ID).Msg("Draft request deleted on cancel")
		return &CancelResult{Deleted: true, Request: req}, nil
	}
	if req.Status.IsTerminal() {
		return nil, errors.InvalidState(fmt.Sprintf("request is already %s", req.Status))
	}

	now := s.now()
	expected := req.Version
	previous := req.CurrentApproverID

	action := &repository.ApprovalAction{
		ID:                 uuid.NewString(),
		RequestID:          req.ID,
		ActionType:         repository.ActionCancel,
		Level:              req.CurrentLevel,
		ActorID:            actorID,
		Comment:            lo.ToPtr(cancelComment),
		PreviousApproverID: previous,
		WasOverdue:         req.SLADeadline != nil && now.After(*req.SLADeadline),
		CreatedAt:          now,
	}

	req.Status = repository.StatusCancelled
	req.CurrentApproverID = nil
	req.CompletedAt = lo.ToPtr(now)
	req.SLADeadline = nil
	req.UpdatedAt = now

	if err := s.requests.ApplyTransition(ctx, req, expected, action); err != nil {
		return nil, err
	}

	s.logTransition(req, action)
	if previous != nil && *previous != actorID {
		s.notifier.Send(ctx, s.notification(*previous, NotifyRequestCancelled, "Request cancelled",
			fmt.Sprintf("%s was cancelled by the requester", req.RequestNumber), req))
	}
	return &CancelResult{Request: req}, nil
}

// DeleteDraft physically removes a draft owned by actorID.
func (s *ApprovalRequestService) DeleteDraft(ctx context.Context, requestID, actorID string) error {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequesterID != actorID {
		return errors.Forbidden("only the requester can delete the request")
	}
	if req.Status != repository.StatusDraft {
		return errors.InvalidState(fmt.Sprintf("only drafts can be deleted (status: %s)", req.Status))
	}
	if err := s.requests.DeleteDraft(ctx, req.ID, req.Version); err != nil {
		return err
	}

	s.log.Info().Str("request_id", req.ID).Msg("Draft request deleted")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request and its action trail.
func (s *ApprovalRequestService) GetRequest(ctx context.Context, requestID string) (*RequestDetail, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actions, err := s.requests.ListActions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []*repository.ApprovalAction{}
	}
	return &RequestDetail{Request: req, Actions: actions}, nil
}

// ListRequests returns one page of requests visible through filter.View.
func (s *ApprovalRequestService) ListRequests(ctx context.Context, filter repository.RequestListFilter) (*RequestPage, error) {
	switch filter.View {
	case "":
		filter.View = repository.ViewMine
	case repository.ViewMine, repository.ViewPendingForMe, repository.ViewAll:
	default:
		return nil, errors.InvalidInput("view", "must be one of mine, pendingForMe, all")
	}
	if filter.View != repository.ViewAll && filter.ActorID == "" {
		return nil, errors.InvalidInput("actor_id", "actor is required for this view")
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageLimit
	}
	filter.Limit = min(filter.Limit, maxPageLimit)

	requests, total, err := s.requests.ListRequests(ctx, filter)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []*repository.ApprovalRequest{}
	}
	return &RequestPage{Requests: requests, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// ListStuckRequests returns pending requests that nobody can act on.
func (s *ApprovalRequestService) ListStuckRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListStuckRequests(ctx)
}

// ListOverdueRequests returns pending requests past their SLA deadline.
func (s *ApprovalRequestService) ListOverdueRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListOverdueRequests(ctx, s.now())
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalRequestService) activeTemplate(ctx context.Context, id string) (*repository.Template, error) {
	tpl, err := s.templates.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, errors.InvalidInput("template_id", "template is not active")
	}
	return tpl, nil
}

func (s *ApprovalRequestService) validateForm(ctx context.Context, templateID string, data map[string]any) error {
	fields, err := s.templates.ListFields(ctx, templateID)
	if err != nil {
		return err
	}
	return ValidateFormData(fields, data)
}

func (s *ApprovalRequestService) notifySubmitted(ctx context.Context, req *repository.ApprovalRequest) {
	switch {
	case req.Status == repository.StatusApproved:
		s.notifier.Send(ctx, s.notification(req.RequesterID, NotifyRequestApproved, "Request approved",
			fmt.Sprintf("%s has been approved", req.RequestNumber), req))
	case req.CurrentApproverID != nil:
		s.notifier.Send(ctx, s.notification(*req.CurrentApproverID, NotifyApprovalRequired, "Approval required",
			fmt.Sprintf("%s is awaiting your approval", req.RequestNumber), req))
	default:
		s.log.Warn().
			Str("request_id", req.ID).
			Str("request_number", req.RequestNumber).
			Msg("Request submitted without a resolvable approver")
	}
}

func (s *ApprovalRequestService) notification(userID, notificationType, title, message string, req *repository.ApprovalRequest) *repository.Notification {
	return &repository.Notification{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       notificationType,
		Title:      title,
		Message:    message,
		EntityType: notificationEntityType,
		EntityID:   req.ID,
		CreatedAt:  s.now(),
	}
}

func (s *ApprovalRequestService) logTransition(req *repository.ApprovalRequest, action *repository.ApprovalAction) {
	s.metrics.Transition(string(action.ActionType))
	s.log.Info().
		Str("request_id", req.ID).
		Str("request_number", req.RequestNumber).
		Str("action", string(action.ActionType)).
		Str("actor_id", action.ActorID).
		Str("status", string(req.Status)).
		Int("level", req.CurrentLevel).
		Int("total_levels", req.TotalLevels).
		Msg("Approval request transitioned")
}

// slaDeadline is now plus the template's default SLA, or nil without one.
func slaDeadline(tpl *repository.Template, now time.Time) *time.Time {
	if tpl.DefaultSLAHours == nil || *tpl.DefaultSLAHours <= 0 {
		return nil
	}
	return lo.ToPtr(now.Add(time.Duration(*tpl.DefaultSLAHours) * time.Hour))
}

// responseTimeHours measures from the latest prior action unless that
// action was a (re)submission, rounded to two decimals.
func responseTimeHours(history []*repository.ApprovalAction, now time.Time) *float64 {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if last.ActionType == repository.ActionSubmit || last.ActionType == repository.ActionResubmit {
		return nil
	}
	hours := math.Round(now.Sub(last.CreatedAt).Hours()*100) / 100
	return &hours
}

func formDataOrEmpty(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

func attachmentsOrEmpty(a []string) []string {
	if a == nil {
		return []string{}
	}
	return a
}
