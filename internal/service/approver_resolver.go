package service

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Resolution is the outcome of resolving one level of a chain.
type Resolution struct {
	// ApproverID is nil when the chain is exhausted or no candidate resolved.
	ApproverID  *string
	TotalLevels int
	// Level is the configuration the approver came from, if any.
	Level *repository.Level
}

// ApproverResolver decides who must act at a given level of a request. It
// reads configuration fresh on every call; nothing is cached.
type ApproverResolver struct {
	templates TemplateStore
	users     UserDirectory
	log       *logger.Logger
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(templates TemplateStore, users UserDirectory, log *logger.Logger) *ApproverResolver {
	return &ApproverResolver{templates: templates, users: users, log: log}
}

// LevelsFor returns the active levels that apply to scope: the scope's own
// levels when it has any, otherwise the global levels.
func (r *ApproverResolver) LevelsFor(ctx context.Context, templateID string, scope repository.Scope) ([]*repository.Level, error) {
	levels, err := r.templates.ListLevels(ctx, templateID, scope)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 && !scope.IsGlobal() {
		levels, err = r.templates.ListLevels(ctx, templateID, repository.GlobalScope())
		if err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// Resolve returns the approver for levelNumber of templateID within scope,
// together with the number of levels that apply to the scope.
func (r *ApproverResolver) Resolve(ctx context.Context, templateID string, scope repository.Scope, levelNumber int, requesterID string) (Resolution, error) {
	levels, err := r.LevelsFor(ctx, templateID, scope)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{TotalLevels: len(levels)}
	if levelNumber < 1 || levelNumber > res.TotalLevels {
		return res, nil
	}

	level, ok := lo.Find(levels, func(l *repository.Level) bool {
		return l.LevelNumber == levelNumber
	})
	if !ok || len(level.Approvers) == 0 {
		return res, nil
	}
	res.Level = level

	candidates := lo.Filter(level.Approvers, func(c repository.ApproverCandidate, _ int) bool {
		return c.IsActive
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SortOrder < candidates[j].SortOrder
	})

	var requester *repository.User
	for _, c := range candidates {
		id, err := r.resolveCandidate(ctx, c, requesterID, &requester)
		if err != nil {
			return Resolution{}, err
		}
		if id != nil {
			res.ApproverID = id
			return res, nil
		}
	}

	r.log.Warn().
		Str("template_id", templateID).
		Str("scope", scope.String()).
		Int("level", levelNumber).
		Msg("No approver candidate resolved")
	return res, nil
}

// resolveCandidate turns one candidate into a user ID, or nil when it does
// not resolve. requester is loaded lazily and shared across candidates.
func (r *ApproverResolver) resolveCandidate(ctx context.Context, c repository.ApproverCandidate, requesterID string, requester **repository.User) (*string, error) {
	switch c.Kind {
	case repository.CandidateSupervisor:
		if *requester == nil {
			u, err := r.users.GetUser(ctx, requesterID)
			if errors.Is(err, errors.ErrCodeNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			*requester = u
		}
		if sup := (*requester).FirstSupervisorID; sup != nil && *sup != "" {
			return lo.ToPtr(*sup), nil
		}
		return nil, nil

	case repository.CandidateUser:
		if c.UserID == nil || *c.UserID == "" {
			return nil, nil
		}
		return lo.ToPtr(*c.UserID), nil

	case repository.CandidateRole:
		if c.Role == nil || *c.Role == "" {
			return nil, nil
		}
		users, err := r.users.ListActiveApproversByRole(ctx, *c.Role)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.CanApprove() {
				return lo.ToPtr(u.ID), nil
			}
		}
		return nil, nil
	}
	return nil, nil
}
