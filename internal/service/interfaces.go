package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// TemplateStore persists templates, their field descriptors and their scoped
// level configuration. Implemented by repository.TemplateRepository and
// memory.Store.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *repository.Template) error
	UpdateTemplate(ctx context.Context, t *repository.Template) error
	DeleteTemplate(ctx context.Context, id string) error
	GetTemplate(ctx context.Context, id string) (*repository.Template, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.Template, error)
	IsTemplateReferenced(ctx context.Context, id string) (bool, error)

	ListFields(ctx context.Context, templateID string) ([]repository.FieldDescriptor, error)
	ReplaceFields(ctx context.Context, templateID string, fields []repository.FieldDescriptor) error

	// ListLevels returns the active levels of exactly one scope, no fallback.
	ListLevels(ctx context.Context, templateID string, scope repository.Scope) ([]*repository.Level, error)
	ListAllLevels(ctx context.Context, templateID string) ([]*repository.Level, error)
	ReplaceLevels(ctx context.Context, templateID string, scope repository.Scope, levels []*repository.Level) error
}

// RequestStore persists requests and their append-only action trail. Every
// write that changes a request also writes its action atomically.
type RequestStore interface {
	// CreateRequest assigns req.RequestNumber and inserts req plus action (if non-nil).
	CreateRequest(ctx context.Context, req *repository.ApprovalRequest, action *repository.ApprovalAction) error
	// ApplyTransition fails with INVALID_STATE when the stored version differs from expectedVersion.
	ApplyTransition(ctx context.Context, req *repository.ApprovalRequest, expectedVersion int, action *repository.ApprovalAction) error
	DeleteDraft(ctx context.Context, id string, expectedVersion int) error
	GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListActions(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error)
	LastAction(ctx context.Context, requestID string) (*repository.ApprovalAction, error)
	ListRequests(ctx context.Context, filter repository.RequestListFilter) ([]*repository.ApprovalRequest, int64, error)
	ListStuckRequests(ctx context.Context) ([]*repository.ApprovalRequest, error)
	ListOverdueRequests(ctx context.Context, now time.Time) ([]*repository.ApprovalRequest, error)
}

// UserDirectory resolves users for approver resolution and permission checks.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
	// ListActiveApproversByRole returns active, approved holders of role,
	// oldest account first.
	ListActiveApproversByRole(ctx context.Context, role string) ([]*repository.User, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *repository.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*repository.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
}

// NotificationSink receives notifications produced by transitions. Send must
// not block the caller and has no error: delivery is best effort.
type NotificationSink interface {
	Send(ctx context.Context, n *repository.Notification)
}

// EventPublisher fans notifications out to a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, n *repository.Notification) error
}
