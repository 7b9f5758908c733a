package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const sweepTimeout = 2 * time.Minute

// SweepResult counts what one SLA sweep found.
type SweepResult struct {
	Overdue   int
	Escalated int
	Stuck     int
}

// SLAMonitor periodically reminds approvers of overdue requests, escalates to
// a level's escalation user once escalateAfterHours has passed, and reports
// stuck requests. It never changes request state.
type SLAMonitor struct {
	requests RequestStore
	resolver *ApproverResolver
	notifier NotificationSink
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSLAMonitor creates a new SLAMonitor. now defaults to time.Now.
func NewSLAMonitor(
	requests RequestStore,
	resolver *ApproverResolver,
	notifier NotificationSink,
	log *logger.Logger,
	m *metrics.Metrics,
	now func() time.Time,
) *SLAMonitor {
	if now == nil {
		now = time.Now
	}
	return &SLAMonitor{
		requests: requests,
		resolver: resolver,
		notifier: notifier,
		metrics:  m,
		log:      log,
		now:      now,
	}
}

// Start schedules Sweep with a cron spec such as "@every 15m".
func (m *SLAMonitor) Start(schedule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := m.Sweep(ctx); err != nil {
			m.log.Error().Err(err).Msg("SLA sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sla sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	m.cron = c
	m.log.Info().Str("schedule", schedule).Msg("SLA monitor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (m *SLAMonitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep runs one pass over pending requests. Overdue requests remind their
// approver; escalation is checked for every pending request, with or without
// an SLA deadline.
func (m *SLAMonitor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := m.now()

	overdue, err := m.requests.ListOverdueRequests(ctx, now)
	if err != nil {
		return result, err
	}
	result.Overdue = len(overdue)

	for _, req := range overdue {
		if req.CurrentApproverID != nil {
			m.notifier.Send(ctx, m.notification(*req.CurrentApproverID, NotifySLAOverdue, "Approval overdue",
				fmt.Sprintf("%s passed its deadline of %s", req.RequestNumber, req.SLADeadline.UTC().Format(time.RFC3339)), req, now))
		}
	}

	pending, _, err := m.requests.ListRequests(ctx, repository.RequestListFilter{Status: lo.ToPtr(repository.StatusPending)})
	if err != nil {
		return result, err
	}
	for _, req := range pending {
		escalated, err := m.escalate(ctx, req, now)
		if err != nil {
			m.log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to evaluate escalation")
			continue
		}
		if escalated {
			result.Escalated++
		}
	}

	stuck, err := m.requests.ListStuckRequests(ctx)
	if err != nil {
		return result, err
	}
	result.Stuck = len(stuck)
	for _, req := range stuck {
		m.log.Warn().
			Str("request_id", req.ID).
			Str("request_number", req.RequestNumber).
			Int("level", req.CurrentLevel).
			Msg("Pending request has no approver")
	}

	m.metrics.SweepCompleted(result.Overdue, result.Stuck, result.Escalated)
	m.log.Info().
		Int("overdue", result.Overdue).
		Int("escalated", result.Escalated).
		Int("stuck", result.Stuck).
		Msg("SLA sweep completed")
	return result, nil
}

// escalate notifies the level's escalation user when the request has waited
// at its current level for at least escalateAfterHours.
func (m *SLAMonitor) escalate(ctx context.Context, req *repository.ApprovalRequest, now time.Time) (bool, error) {
	levels, err := m.resolver.LevelsFor(ctx, req.TemplateID, req.Scope)
	if err != nil {
		return false, err
	}
	level, ok := lo.Find(levels, func(l *repository.Level) bool {
		return l.LevelNumber == req.CurrentLevel
	})
	if !ok || level.EscalateAfterHours == nil || level.EscalateToUserID == nil || *level.EscalateToUserID == "" {
		return false, nil
	}

	since := req.UpdatedAt
	last, err := m.requests.LastAction(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if last != nil {
		since = last.CreatedAt
	}
	if now.Sub(since) < time.Duration(*level.EscalateAfterHours)*time.Hour {
		return false, nil
	}

	m.notifier.Send(ctx, m.notification(*level.EscalateToUserID, NotifySLAEscalation, "Approval escalated",
		fmt.Sprintf("%s has waited at level %d for more than %d hours", req.RequestNumber, req.CurrentLevel, *level.EscalateAfterHours), req, now))
	return true, nil
}

func (m *SLAMonitor) notification(userID, notificationType, title, message string, req *repository.ApprovalRequest, now time.Time) *repository.Notification {
	return &repository.Notification{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       notificationType,
		Title:      title,
		Message:    message,
		EntityType: notificationEntityType,
		EntityID:   req.ID,
		CreatedAt:  now,
	}
}
