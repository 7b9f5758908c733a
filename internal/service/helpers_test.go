package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []*repository.Notification
}

func (s *recordingSink) Send(_ context.Context, n *repository.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
}

func (s *recordingSink) ofType(t string) []*repository.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.sent, func(n *repository.Notification, _ int) bool { return n.Type == t })
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

type testEnv struct {
	store     *memory.Store
	clock     *fakeClock
	sink      *recordingSink
	resolver  *ApproverResolver
	requests  *ApprovalRequestService
	templates *TemplateService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	clock := &fakeClock{t: time.Date(2025, 5, 12, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	log := logger.Nop()

	resolver := NewApproverResolver(store, store, log)
	templates := NewTemplateService(store, log)
	templates.now = clock.Now

	env := &testEnv{
		store:     store,
		clock:     clock,
		sink:      sink,
		resolver:  resolver,
		requests:  NewApprovalRequestService(store, store, resolver, sink, log, WithClock(clock.Now)),
		templates: templates,
	}

	for _, u := range []*repository.User{
		{ID: "R", Role: "staff", IsActive: true, ApprovalStatus: "approved", FirstSupervisorID: lo.ToPtr("SUP")},
		{ID: "R2", Role: "staff", IsActive: true, ApprovalStatus: "approved"},
		{ID: "U1", Role: "lead", IsActive: true, ApprovalStatus: "approved"},
		{ID: "U2", Role: "manager", IsActive: true, ApprovalStatus: "approved"},
		{ID: "SUP", Role: "lead", IsActive: true, ApprovalStatus: "approved"},
	} {
		u.CreatedAt = clock.Now()
		require.NoError(t, store.UpsertUser(context.Background(), u))
	}
	return env
}

// leaveTemplate creates "Leave Request" with a 24h SLA and two required fields.
func (e *testEnv) leaveTemplate(t *testing.T) *repository.Template {
	t.Helper()
	tpl, err := e.templates.CreateTemplate(context.Background(), &CreateTemplateInput{
		Name:            "Leave Request",
		DefaultSLAHours: lo.ToPtr(24),
		Fields: []FieldInput{
			{Name: "start_date", Label: "Start Date", Kind: repository.FieldDate, Required: true, SortOrder: 1},
			{Name: "reason", Label: "Reason", Kind: repository.FieldText, Required: true, SortOrder: 2},
			{Name: "days", Label: "Days", Kind: repository.FieldNumber, SortOrder: 3},
		},
		CreatedBy: "admin",
	})
	require.NoError(t, err)
	return tpl
}

func (e *testEnv) setLevels(t *testing.T, templateID string, scope repository.Scope, approvers ...string) {
	t.Helper()
	levels := make([]LevelInput, len(approvers))
	for i, id := range approvers {
		levels[i] = LevelInput{
			LevelNumber: i + 1,
			Approvers:   []CandidateInput{{Kind: repository.CandidateUser, UserID: lo.ToPtr(id)}},
		}
	}
	_, err := e.templates.ReplaceTemplateLevels(context.Background(), templateID, scope, levels)
	require.NoError(t, err)
}

func validLeaveForm() map[string]any {
	return map[string]any{"start_date": "2025-06-01", "reason": "holiday", "days": 3}
}

func (e *testEnv) submit(t *testing.T, templateID, requester string) *repository.ApprovalRequest {
	t.Helper()
	req, err := e.requests.CreateRequest(context.Background(), &CreateRequestInput{
		TemplateID:  templateID,
		RequesterID: requester,
		FormData:    validLeaveForm(),
		SubmitNow:   true,
	})
	require.NoError(t, err)
	return req
}

func (e *testEnv) act(t *testing.T, requestID, actor string, action repository.ActionType, comment string) *repository.ApprovalRequest {
	t.Helper()
	req, err := e.requests.Act(context.Background(), &ActInput{RequestID: requestID, ActorID: actor, Action: action, Comment: comment})
	require.NoError(t, err)
	return req
}

func (e *testEnv) actions(t *testing.T, requestID string) []*repository.ApprovalAction {
	t.Helper()
	actions, err := e.store.ListActions(context.Background(), requestID)
	require.NoError(t, err)
	return actions
}

func projectScope(project, cohort string) repository.Scope {
	return repository.Scope{ProjectID: lo.ToPtr(project), CohortID: lo.ToPtr(cohort)}
}
