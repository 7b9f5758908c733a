package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const testSecret = "s3cret"

var testRoles = map[string][]string{
	"admin":   {"*"},
	"staff":   {"approvals:read", "approvals:write", "notifications:read"},
	"manager": {"approvals:*", "notifications:*"},
}

type testServer struct {
	store    *memory.Store
	verifier *auth.Verifier
	api      *API
	metrics  *metrics.Metrics
	http     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	log := logger.Nop()
	m := metrics.New()

	for _, u := range []*repository.User{
		{ID: "admin", Role: "admin", IsActive: true, ApprovalStatus: repository.UserApprovalStatusApproved},
		{ID: "R", Role: "staff", IsActive: true, ApprovalStatus: repository.UserApprovalStatusApproved},
		{ID: "X", Role: "staff", IsActive: true, ApprovalStatus: repository.UserApprovalStatusApproved},
		{ID: "U1", Role: "manager", IsActive: true, ApprovalStatus: repository.UserApprovalStatusApproved},
	} {
		u.CreatedAt = time.Now()
		require.NoError(t, store.UpsertUser(context.Background(), u))
	}

	dispatcher := service.NewNotificationDispatcher(store, nil, service.DispatcherConfig{}, log, m)
	dispatcher.Start()
	t.Cleanup(dispatcher.Close)

	resolver := service.NewApproverResolver(store, store, log)
	api := NewAPI(
		service.NewTemplateService(store, log),
		service.NewApprovalRequestService(store, store, resolver, dispatcher, log, service.WithMetrics(m)),
		service.NewNotificationService(store, log),
		auth.NewRolePermissionOracle(store, testRoles),
		log,
	)
	verifier := auth.NewVerifier(testSecret, "")
	h := NewHTTPHandler(api, verifier, m, log)

	return &testServer{store: store, verifier: verifier, api: api, metrics: m, http: h.Routes(5 * time.Second)}
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := s.verifier.Issue(user, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedTemplate creates a one-level template approved by U1.
func (s *testServer) seedTemplate(t *testing.T) string {
	t.Helper()

	rec := s.do(t, "admin", http.MethodPost, "/api/v1/templates", map[string]any{
		"name":            "Equipment",
		"defaultSlaHours": 24,
		"fields": []map[string]any{
			{"name": "item", "label": "Item", "kind": "TEXT", "required": true, "sortOrder": 1},
			{"name": "cost", "label": "Cost", "kind": "NUMBER", "sortOrder": 2},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tpl := decodeBody[repository.Template](t, rec)

	rec = s.do(t, "admin", http.MethodPut, "/api/v1/templates/"+tpl.ID+"/levels", map[string]any{
		"levels": []map[string]any{
			{"levelNumber": 1, "approvers": []map[string]any{{"kind": "USER", "userId": "U1"}}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return tpl.ID
}

func TestHTTPHandler_Health(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestHTTPHandler_HealthReportsReadiness(t *testing.T) {
	log := logger.Nop()
	h := NewHTTPHandler(nil, auth.NewVerifier(testSecret, ""), nil, log,
		WithReadiness(func() error { return errors.New(errors.ErrCodeInternal, "db down") }))

	rec := httptest.NewRecorder()
	h.Routes(0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPHandler_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "", http.MethodGet, "/health", nil)

	rec := s.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "approvals_http_request_duration_seconds")
}

func TestHTTPHandler_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, errors.ErrCodeUnauthorized, body.Error.Code)
}

func TestHTTPHandler_ForbiddenWithoutPermission(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "R", http.MethodPost, "/api/v1/templates", map[string]any{"name": "Nope"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, errors.ErrCodeForbidden, body.Error.Code)
	assert.Equal(t, "missing permission approvals:templates", body.Error.Message)
}

func TestHTTPHandler_ApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	templateID := s.seedTemplate(t)

	rec := s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
		"templateId": templateID,
		"formData":   map[string]any{"item": "Laptop", "cost": 1200},
		"submitNow":  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[repository.ApprovalRequest](t, rec)
	assert.Equal(t, repository.StatusPending, created.Status)
	assert.Equal(t, "U1", lo.FromPtr(created.CurrentApproverID))
	assert.True(t, strings.HasPrefix(created.RequestNumber, "REQ-"))

	require.Eventually(t, func() bool {
		rec := s.do(t, "U1", http.MethodGet, "/api/v1/notifications?unreadOnly=true", nil)
		out := decodeBody[struct {
			Notifications []*repository.Notification `json:"notifications"`
		}](t, rec)
		return len(out.Notifications) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = s.do(t, "U1", http.MethodGet, "/api/v1/requests?view=pendingForMe", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[service.RequestPage](t, rec)
	require.Len(t, page.Requests, 1)
	assert.Equal(t, created.ID, page.Requests[0].ID)

	rec = s.do(t, "U1", http.MethodPost, "/api/v1/requests/"+created.ID+"/actions", map[string]any{
		"action":  "APPROVE",
		"comment": "ok",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeBody[repository.ApprovalRequest](t, rec)
	assert.Equal(t, repository.StatusApproved, approved.Status)
	assert.Nil(t, approved.CurrentApproverID)

	rec = s.do(t, "R", http.MethodGet, "/api/v1/requests/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decodeBody[service.RequestDetail](t, rec)
	require.Len(t, detail.Actions, 2)
	assert.Equal(t, repository.ActionSubmit, detail.Actions[0].ActionType)
	assert.Equal(t, repository.ActionApprove, detail.Actions[1].ActionType)

	rec = s.do(t, "U1", http.MethodPost, "/api/v1/requests/"+created.ID+"/actions", map[string]any{"action": "APPROVE"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeInvalidState, decodeBody[errorBody](t, rec).Error.Code)
}

func TestHTTPHandler_GetRequestVisibility(t *testing.T) {
	s := newTestServer(t)
	templateID := s.seedTemplate(t)

	rec := s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
		"templateId": templateID,
		"formData":   map[string]any{"item": "Desk"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[repository.ApprovalRequest](t, rec).ID

	assert.Equal(t, http.StatusOK, s.do(t, "R", http.MethodGet, "/api/v1/requests/"+id, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, "X", http.MethodGet, "/api/v1/requests/"+id, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "admin", http.MethodGet, "/api/v1/requests/"+id, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, "R", http.MethodGet, "/api/v1/requests?view=all", nil).Code)
}

func TestHTTPHandler_ErrorResponses(t *testing.T) {
	s := newTestServer(t)
	templateID := s.seedTemplate(t)

	t.Run("not found", func(t *testing.T) {
		rec := s.do(t, "R", http.MethodGet, "/api/v1/requests/does-not-exist", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, errors.ErrCodeNotFound, decodeBody[errorBody](t, rec).Error.Code)
	})

	t.Run("validation details", func(t *testing.T) {
		rec := s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
			"templateId": templateID,
			"formData":   map[string]any{"cost": "a lot"},
			"submitNow":  true,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[errorBody](t, rec)
		assert.Equal(t, errors.ErrCodeValidation, body.Error.Code)
		assert.Contains(t, body.Error.Details, "Item is required")
	})

	t.Run("drafts are not validated", func(t *testing.T) {
		rec := s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
			"templateId": templateID,
			"formData":   map[string]any{"cost": "a lot"},
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader("{"))
		token, err := s.verifier.Issue("R", "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		s.http.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid request body", decodeBody[errorBody](t, rec).Error.Message)
	})

	t.Run("duplicate template name", func(t *testing.T) {
		rec := s.do(t, "admin", http.MethodPost, "/api/v1/templates", map[string]any{"name": "Equipment"})
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, errors.ErrCodeConflict, decodeBody[errorBody](t, rec).Error.Code)
	})
}

func TestHTTPHandler_CancelAndDelete(t *testing.T) {
	s := newTestServer(t)
	templateID := s.seedTemplate(t)

	rec := s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
		"templateId": templateID,
		"formData":   map[string]any{"item": "Chair"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	draftID := decodeBody[repository.ApprovalRequest](t, rec).ID

	rec = s.do(t, "R", http.MethodDelete, "/api/v1/requests/"+draftID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "R", http.MethodPost, "/api/v1/requests", map[string]any{
		"templateId": templateID,
		"formData":   map[string]any{"item": "Chair"},
		"submitNow":  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	pendingID := decodeBody[repository.ApprovalRequest](t, rec).ID

	rec = s.do(t, "R", http.MethodPost, "/api/v1/requests/"+pendingID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[cancelResult](t, rec)
	assert.False(t, res.Deleted)
	require.NotNil(t, res.Request)
	assert.Equal(t, repository.StatusCancelled, res.Request.Status)
}

func TestHTTPHandler_TemplateLifecycle(t *testing.T) {
	s := newTestServer(t)
	templateID := s.seedTemplate(t)

	rec := s.do(t, "R", http.MethodGet, "/api/v1/templates/"+templateID+"?includeLevels=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tpl := decodeBody[repository.Template](t, rec)
	assert.Len(t, tpl.Fields, 2)
	assert.Len(t, tpl.Levels, 1)

	rec = s.do(t, "admin", http.MethodPatch, "/api/v1/templates/"+templateID, map[string]any{"name": "Hardware"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hardware", decodeBody[repository.Template](t, rec).Name)

	rec = s.do(t, "admin", http.MethodDelete, "/api/v1/templates/"+templateID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deleteTemplateResult{Deleted: true}, decodeBody[deleteTemplateResult](t, rec))

	rec = s.do(t, "R", http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[struct {
		Templates []*repository.Template `json:"templates"`
	}](t, rec)
	assert.Empty(t, out.Templates)
}
