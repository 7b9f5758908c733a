// Package memory is an in-process implementation of the approval stores. It
// backs the "memory" store driver and the service tests. Every read and write
// copies, so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Store holds templates, requests, actions, users and notifications in memory.
type Store struct {
	mu sync.RWMutex

	templates     map[string]*repository.Template
	fields        map[string][]repository.FieldDescriptor
	levels        []*repository.Level
	requests      map[string]*repository.ApprovalRequest
	actions       map[string][]*repository.ApprovalAction
	counters      map[string]int
	users         map[string]*repository.User
	notifications []*repository.Notification
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		templates: make(map[string]*repository.Template),
		fields:    make(map[string][]repository.FieldDescriptor),
		requests:  make(map[string]*repository.ApprovalRequest),
		actions:   make(map[string][]*repository.ApprovalAction),
		counters:  make(map[string]int),
		users:     make(map[string]*repository.User),
	}
}

// ── templates ─────────────────────────────────────────────────────────────────

func (s *Store) CreateTemplate(_ context.Context, t *repository.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[t.ID]; ok {
		return errors.Conflict(fmt.Sprintf("template already exists: %s", t.ID))
	}
	if s.nameTaken(t.Name, t.ID) {
		return errors.Conflict(fmt.Sprintf("template name already exists: %s", t.Name))
	}
	if dup, ok := duplicateFieldName(t.Fields); ok {
		return errors.Conflict(fmt.Sprintf("duplicate field name: %s", dup))
	}

	s.templates[t.ID] = cloneTemplate(t)
	s.fields[t.ID] = cloneFields(t.ID, t.Fields)
	return nil
}

func (s *Store) UpdateTemplate(_ context.Context, t *repository.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.templates[t.ID]
	if !ok {
		return errors.NotFound("approval_template", t.ID)
	}
	if s.nameTaken(t.Name, t.ID) {
		return errors.Conflict(fmt.Sprintf("template name already exists: %s", t.Name))
	}

	updated := cloneTemplate(t)
	updated.CreatedAt = existing.CreatedAt
	updated.CreatedBy = existing.CreatedBy
	s.templates[t.ID] = updated
	return nil
}

func (s *Store) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return errors.NotFound("approval_template", id)
	}
	if s.referenced(id) {
		return errors.Conflict(fmt.Sprintf("template is referenced by requests: %s", id))
	}

	delete(s.templates, id)
	delete(s.fields, id)
	s.levels = lo.Reject(s.levels, func(l *repository.Level, _ int) bool {
		return l.TemplateID == id
	})
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*repository.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("approval_template", id)
	}
	return cloneTemplate(t), nil
}

func (s *Store) ListTemplates(_ context.Context, activeOnly bool) ([]*repository.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Template
	for _, t := range s.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) IsTemplateReferenced(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referenced(id), nil
}

func (s *Store) ListFields(_ context.Context, templateID string) ([]repository.FieldDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := cloneFields(templateID, s.fields[templateID])
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].SortOrder != fields[j].SortOrder {
			return fields[i].SortOrder < fields[j].SortOrder
		}
		return fields[i].Name < fields[j].Name
	})
	return fields, nil
}

func (s *Store) ReplaceFields(_ context.Context, templateID string, fields []repository.FieldDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[templateID]; !ok {
		return errors.NotFound("approval_template", templateID)
	}
	if dup, ok := duplicateFieldName(fields); ok {
		return errors.Conflict(fmt.Sprintf("duplicate field name: %s", dup))
	}
	s.fields[templateID] = cloneFields(templateID, fields)
	return nil
}

// ── levels ────────────────────────────────────────────────────────────────────

func (s *Store) ListLevels(_ context.Context, templateID string, scope repository.Scope) ([]*repository.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeLevels(func(l *repository.Level) bool {
		return l.TemplateID == templateID && l.Scope.Equal(scope)
	}), nil
}

func (s *Store) ListAllLevels(_ context.Context, templateID string) ([]*repository.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeLevels(func(l *repository.Level) bool {
		return l.TemplateID == templateID
	}), nil
}

func (s *Store) ReplaceLevels(_ context.Context, templateID string, scope repository.Scope, levels []*repository.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[templateID]; !ok {
		return errors.NotFound("approval_template", templateID)
	}

	for _, l := range s.levels {
		if l.TemplateID == templateID && l.Scope.Equal(scope) {
			l.IsActive = false
		}
	}
	for _, l := range levels {
		c := cloneLevel(l)
		c.TemplateID = templateID
		c.Scope = cloneScope(scope)
		for i := range c.Approvers {
			c.Approvers[i].LevelID = c.ID
		}
		s.levels = append(s.levels, c)
	}
	return nil
}

func (s *Store) activeLevels(match func(*repository.Level) bool) []*repository.Level {
	var out []*repository.Level
	for _, l := range s.levels {
		if !l.IsActive || !match(l) {
			continue
		}
		c := cloneLevel(l)
		c.Approvers = lo.Filter(c.Approvers, func(a repository.ApproverCandidate, _ int) bool {
			return a.IsActive
		})
		sort.SliceStable(c.Approvers, func(i, j int) bool {
			return c.Approvers[i].SortOrder < c.Approvers[j].SortOrder
		})
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Scope.String(), out[j].Scope.String(); a != b {
			return a < b
		}
		return out[i].LevelNumber < out[j].LevelNumber
	})
	return out
}

// ── requests ──────────────────────────────────────────────────────────────────

// CreateRequest numbers and stores req. The number is allocated under the
// store lock, so concurrent creators always receive distinct numbers.
func (s *Store) CreateRequest(_ context.Context, req *repository.ApprovalRequest, action *repository.ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return errors.Conflict(fmt.Sprintf("request already exists: %s", req.ID))
	}

	period := repository.RequestPeriod(req.CreatedAt)
	next := max(s.counters[period], s.highestSequence(period)) + 1
	s.counters[period] = next
	req.RequestNumber = repository.FormatRequestNumber(period, next)

	s.requests[req.ID] = cloneRequest(req)
	if action != nil {
		s.actions[req.ID] = append(s.actions[req.ID], cloneAction(action))
	}
	return nil
}

func (s *Store) ApplyTransition(_ context.Context, req *repository.ApprovalRequest, expectedVersion int, action *repository.ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[req.ID]
	if !ok {
		return errors.NotFound("approval_request", req.ID)
	}
	if existing.Version != expectedVersion {
		return errors.InvalidState("request was modified concurrently")
	}

	stored := cloneRequest(req)
	stored.RequestNumber = existing.RequestNumber
	stored.CreatedAt = existing.CreatedAt
	stored.Version = expectedVersion + 1
	s.requests[req.ID] = stored
	if action != nil {
		s.actions[req.ID] = append(s.actions[req.ID], cloneAction(action))
	}

	req.Version = stored.Version
	return nil
}

func (s *Store) DeleteDraft(_ context.Context, id string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.requests[id]
	if !ok || existing.Status != repository.StatusDraft || existing.Version != expectedVersion {
		return errors.InvalidState("request is no longer a draft or was modified concurrently")
	}
	delete(s.requests, id)
	delete(s.actions, id)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

func (s *Store) ListActions(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Map(s.actions[requestID], func(a *repository.ApprovalAction, _ int) *repository.ApprovalAction {
		return cloneAction(a)
	}), nil
}

func (s *Store) LastAction(_ context.Context, requestID string) (*repository.ApprovalAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	actions := s.actions[requestID]
	if len(actions) == 0 {
		return nil, nil
	}
	return cloneAction(actions[len(actions)-1]), nil
}

func (s *Store) ListRequests(_ context.Context, filter repository.RequestListFilter) ([]*repository.ApprovalRequest, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := s.filterRequests(func(r *repository.ApprovalRequest) bool {
		switch filter.View {
		case repository.ViewMine:
			if r.RequesterID != filter.ActorID {
				return false
			}
		case repository.ViewPendingForMe:
			if r.Status != repository.StatusPending || r.CurrentApproverID == nil || *r.CurrentApproverID != filter.ActorID {
				return false
			}
		}
		if filter.Status != nil && r.Status != *filter.Status {
			return false
		}
		if filter.TemplateID != nil && r.TemplateID != *filter.TemplateID {
			return false
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	total := int64(len(matches))
	if filter.Limit > 0 {
		start := min(filter.Offset(), len(matches))
		end := min(start+filter.Limit, len(matches))
		matches = matches[start:end]
	}
	return matches, total, nil
}

func (s *Store) ListStuckRequests(_ context.Context) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filterRequests(func(r *repository.ApprovalRequest) bool {
		return r.Status == repository.StatusPending && r.CurrentApproverID == nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListOverdueRequests(_ context.Context, now time.Time) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filterRequests(func(r *repository.ApprovalRequest) bool {
		return r.Status == repository.StatusPending && r.SLADeadline != nil && r.SLADeadline.Before(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(*out[j].SLADeadline) })
	return out, nil
}

func (s *Store) filterRequests(keep func(*repository.ApprovalRequest) bool) []*repository.ApprovalRequest {
	var out []*repository.ApprovalRequest
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, cloneRequest(r))
		}
	}
	return out
}

func (s *Store) highestSequence(period string) int {
	prefix := repository.RequestNumberPeriodPrefix(period) + "-"
	highest := 0
	for _, r := range s.requests {
		if !strings.HasPrefix(r.RequestNumber, prefix) {
			continue
		}
		if seq, err := repository.ParseRequestSequence(r.RequestNumber); err == nil && seq > highest {
			highest = seq
		}
	}
	return highest
}

// ── users ─────────────────────────────────────────────────────────────────────

func (s *Store) GetUser(_ context.Context, id string) (*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (s *Store) ListActiveApproversByRole(_ context.Context, role string) ([]*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.User
	for _, u := range s.users {
		if u.Role == role && u.CanApprove() {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertUser(_ context.Context, u *repository.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *u
	if existing, ok := s.users[u.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	s.users[u.ID] = &c
	return nil
}

// ── notifications ─────────────────────────────────────────────────────────────

func (s *Store) CreateNotification(_ context.Context, n *repository.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *n
	s.notifications = append(s.notifications, &c)
	return nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]*repository.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*repository.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID == id && n.UserID == userID {
			n.IsRead = true
			return nil
		}
	}
	return errors.NotFound("notification", id)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *Store) nameTaken(name, exceptID string) bool {
	for id, t := range s.templates {
		if id != exceptID && t.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) referenced(templateID string) bool {
	for _, r := range s.requests {
		if r.TemplateID == templateID {
			return true
		}
	}
	return false
}

func duplicateFieldName(fields []repository.FieldDescriptor) (string, bool) {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f.Name]; ok {
			return f.Name, true
		}
		seen[f.Name] = struct{}{}
	}
	return "", false
}
