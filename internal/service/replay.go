package service

import (
	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ReplayState is the request projection rebuilt from an action trail.
type ReplayState struct {
	Status            repository.RequestStatus
	CurrentLevel      int
	CurrentApproverID *string
}

// ReplayActions folds an ordered action trail into the request state it
// implies. A SUBMIT or RESUBMIT against a chain with no levels finalizes
// immediately. Each submission is replayed against the level count it froze;
// totalLevels, the count frozen on the request, covers actions that carry none.
func ReplayActions(actions []*repository.ApprovalAction, totalLevels int) ReplayState {
	st := ReplayState{Status: repository.StatusDraft}

	for _, a := range actions {
		switch a.ActionType {
		case repository.ActionSubmit, repository.ActionResubmit:
			if lo.FromPtrOr(a.TotalLevels, totalLevels) == 0 {
				st = ReplayState{Status: repository.StatusApproved}
				continue
			}
			st = ReplayState{Status: repository.StatusPending, CurrentLevel: 1, CurrentApproverID: a.NextApproverID}

		case repository.ActionApprove:
			if a.NextApproverID == nil {
				st = ReplayState{Status: repository.StatusApproved, CurrentLevel: a.Level}
				continue
			}
			st = ReplayState{Status: repository.StatusPending, CurrentLevel: a.Level + 1, CurrentApproverID: a.NextApproverID}

		case repository.ActionDecline:
			st = ReplayState{Status: repository.StatusDeclined, CurrentLevel: a.Level}

		case repository.ActionSendBack:
			st = ReplayState{Status: repository.StatusSentBack, CurrentLevel: max(0, a.Level-1), CurrentApproverID: a.NextApproverID}

		case repository.ActionCancel:
			st = ReplayState{Status: repository.StatusCancelled, CurrentLevel: a.Level}
		}
	}
	return st
}

// sendBackTarget is the actor of the latest action taken below level, or the
// requester when nobody acted below it.
func sendBackTarget(actions []*repository.ApprovalAction, level int, requesterID string) string {
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Level < level {
			return actions[i].ActorID
		}
	}
	return requesterID
}
