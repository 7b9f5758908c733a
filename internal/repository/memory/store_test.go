package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

var march = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func seedTemplate(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.CreateTemplate(context.Background(), &repository.Template{
		ID: "tpl-1", Name: "Purchase", IsActive: true, CreatedAt: march, UpdatedAt: march,
	}))
}

func newRequest(id string, at time.Time) *repository.ApprovalRequest {
	return &repository.ApprovalRequest{
		ID: id, TemplateID: "tpl-1", RequesterID: "u-1",
		Status: repository.StatusDraft, Version: 1, CreatedAt: at, UpdatedAt: at,
	}
}

func TestCreateRequest_NumbersPerMonth(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()

	a := newRequest("a", march)
	b := newRequest("b", march.Add(time.Hour))
	c := newRequest("c", march.AddDate(0, 1, 0))
	require.NoError(t, s.CreateRequest(ctx, a, nil))
	require.NoError(t, s.CreateRequest(ctx, b, nil))
	require.NoError(t, s.CreateRequest(ctx, c, nil))

	assert.Equal(t, "REQ-202403-00001", a.RequestNumber)
	assert.Equal(t, "REQ-202403-00002", b.RequestNumber)
	assert.Equal(t, "REQ-202404-00001", c.RequestNumber)
}

func TestCreateRequest_ConcurrentNumbersAreUnique(t *testing.T) {
	s := New()
	seedTemplate(t, s)

	const n = 50
	var wg sync.WaitGroup
	numbers := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := newRequest(fmt.Sprintf("r-%d", i), march)
			require.NoError(t, s.CreateRequest(context.Background(), req, nil))
			numbers[i] = req.RequestNumber
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, num := range numbers {
		assert.False(t, seen[num], "duplicate number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

func TestApplyTransition_VersionCheck(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()

	req := newRequest("a", march)
	require.NoError(t, s.CreateRequest(ctx, req, nil))

	first := *req
	first.Status = repository.StatusPending
	require.NoError(t, s.ApplyTransition(ctx, &first, 1, &repository.ApprovalAction{ID: "x", RequestID: "a", ActionType: repository.ActionSubmit}))
	assert.Equal(t, 2, first.Version)

	second := *req
	second.Status = repository.StatusCancelled
	err := s.ApplyTransition(ctx, &second, 1, nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState))

	stored, err := s.GetRequest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, stored.Status)

	actions, err := s.ListActions(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestGetRequest_ReturnsCopies(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()

	req := newRequest("a", march)
	req.FormData = map[string]any{"k": "v"}
	require.NoError(t, s.CreateRequest(ctx, req, nil))
	req.FormData["k"] = "changed"

	got, err := s.GetRequest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.FormData["k"])
	got.FormData["k"] = "mutated"

	again, _ := s.GetRequest(ctx, "a")
	assert.Equal(t, "v", again.FormData["k"])
}

func TestReplaceLevels_DeactivatesPreviousScopeOnly(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()
	p, c := "p1", "c1"
	scoped := repository.Scope{ProjectID: &p, CohortID: &c}

	global := []*repository.Level{{ID: "g1", LevelNumber: 1, IsActive: true}}
	require.NoError(t, s.ReplaceLevels(ctx, "tpl-1", repository.GlobalScope(), global))
	require.NoError(t, s.ReplaceLevels(ctx, "tpl-1", scoped, []*repository.Level{{ID: "s1", LevelNumber: 1, IsActive: true}}))
	require.NoError(t, s.ReplaceLevels(ctx, "tpl-1", scoped, []*repository.Level{
		{ID: "s2", LevelNumber: 1, IsActive: true},
		{ID: "s3", LevelNumber: 2, IsActive: true},
	}))

	levels, err := s.ListLevels(ctx, "tpl-1", scoped)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "s2", levels[0].ID)
	assert.Equal(t, "s3", levels[1].ID)

	levels, err = s.ListLevels(ctx, "tpl-1", repository.GlobalScope())
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, "g1", levels[0].ID)
}

func TestListRequests_Views(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()
	approver := "boss"

	for i := 0; i < 3; i++ {
		req := newRequest(fmt.Sprintf("r-%d", i), march.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			req.RequesterID = "u-2"
			req.Status = repository.StatusPending
			req.CurrentApproverID = &approver
		}
		require.NoError(t, s.CreateRequest(ctx, req, nil))
	}

	mine, total, err := s.ListRequests(ctx, repository.RequestListFilter{View: repository.ViewMine, ActorID: "u-1", Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, mine, 1)
	assert.Equal(t, "r-1", mine[0].ID)

	pending, total, err := s.ListRequests(ctx, repository.RequestListFilter{View: repository.ViewPendingForMe, ActorID: approver})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "r-2", pending[0].ID)
}

func TestDeleteTemplate_ReferencedIsRejected(t *testing.T) {
	s := New()
	seedTemplate(t, s)
	ctx := context.Background()

	require.NoError(t, s.CreateRequest(ctx, newRequest("a", march), nil))
	referenced, err := s.IsTemplateReferenced(ctx, "tpl-1")
	require.NoError(t, err)
	assert.True(t, referenced)
	assert.Error(t, s.DeleteTemplate(ctx, "tpl-1"))
}

func TestListActiveApproversByRole_OrderAndEligibility(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &repository.User{ID: "b", Role: "finance", IsActive: true, ApprovalStatus: "approved", CreatedAt: march}))
	require.NoError(t, s.UpsertUser(ctx, &repository.User{ID: "a", Role: "finance", IsActive: true, ApprovalStatus: "approved", CreatedAt: march}))
	require.NoError(t, s.UpsertUser(ctx, &repository.User{ID: "early", Role: "finance", IsActive: false, ApprovalStatus: "approved", CreatedAt: march.Add(-time.Hour)}))
	require.NoError(t, s.UpsertUser(ctx, &repository.User{ID: "pending", Role: "finance", IsActive: true, ApprovalStatus: "pending", CreatedAt: march.Add(-time.Hour)}))

	users, err := s.ListActiveApproversByRole(ctx, "finance")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)
	assert.Equal(t, "b", users[1].ID)
}
