package service

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestReplayActions_UsesLevelCountOfEachSubmission(t *testing.T) {
	trail := []*repository.ApprovalAction{
		{ActionType: repository.ActionSubmit, Level: 0, ActorID: "R", NextApproverID: lo.ToPtr("U1"), TotalLevels: lo.ToPtr(2)},
		{ActionType: repository.ActionSendBack, Level: 1, ActorID: "U1", NextApproverID: lo.ToPtr("R")},
		{ActionType: repository.ActionResubmit, Level: 0, ActorID: "R", TotalLevels: lo.ToPtr(0)},
	}

	tests := []struct {
		name string
		upTo int
		want ReplayState
	}{
		{"submitted", 1, ReplayState{Status: repository.StatusPending, CurrentLevel: 1, CurrentApproverID: lo.ToPtr("U1")}},
		{"sent back", 2, ReplayState{Status: repository.StatusSentBack, CurrentLevel: 0, CurrentApproverID: lo.ToPtr("R")}},
		{"resubmitted without levels", 3, ReplayState{Status: repository.StatusApproved}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReplayActions(trail[:tt.upTo], 0))
		})
	}
}

func TestReplayActions_FallsBackToRequestLevelCount(t *testing.T) {
	trail := []*repository.ApprovalAction{
		{ActionType: repository.ActionSubmit, Level: 0, ActorID: "R", NextApproverID: lo.ToPtr("U1")},
	}

	assert.Equal(t, repository.StatusPending, ReplayActions(trail, 1).Status)
	assert.Equal(t, repository.StatusApproved, ReplayActions(trail, 0).Status)
}

func TestResubmitRecordsFrozenLevelCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tpl := env.leaveTemplate(t)
	env.setLevels(t, tpl.ID, repository.GlobalScope(), "U1", "U2")

	req := env.submit(t, tpl.ID, "R")
	env.act(t, req.ID, "U1", repository.ActionSendBack, "wrong dates")

	_, err := env.templates.ReplaceTemplateLevels(ctx, tpl.ID, repository.GlobalScope(), []LevelInput{})
	require.NoError(t, err)

	req, err = env.requests.UpdateAndResubmit(ctx, &UpdateRequestInput{
		RequestID: req.ID, ActorID: "R", FormData: validLeaveForm(), SubmitNow: true,
	})
	require.NoError(t, err)
	require.Equal(t, repository.StatusApproved, req.Status)
	require.Equal(t, 0, req.TotalLevels)

	actions := env.actions(t, req.ID)
	require.Len(t, actions, 3)
	assert.Equal(t, 2, lo.FromPtr(actions[0].TotalLevels))
	assert.Nil(t, actions[1].TotalLevels)
	assert.Equal(t, 0, lo.FromPtr(actions[2].TotalLevels))
	assert.NotNil(t, actions[2].TotalLevels)

	first := ReplayActions(actions[:1], req.TotalLevels)
	assert.Equal(t, repository.StatusPending, first.Status)
	assert.Equal(t, "U1", lo.FromPtr(first.CurrentApproverID))
	assert.Equal(t, repository.StatusApproved, ReplayActions(actions, req.TotalLevels).Status)
}
