package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const maxNotificationLimit = 200

// NotificationService exposes a user's in-app notifications.
type NotificationService struct {
	store NotificationStore
	log   *logger.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(store NotificationStore, log *logger.Logger) *NotificationService {
	return &NotificationService{store: store, log: log}
}

// ListNotifications returns the newest notifications of userID first.
func (s *NotificationService) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*repository.Notification, error) {
	limit = min(limit, maxNotificationLimit)
	notifications, err := s.store.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if notifications == nil {
		notifications = []*repository.Notification{}
	}
	return notifications, nil
}

// MarkRead marks one of userID's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	if err := s.store.MarkNotificationRead(ctx, userID, id); err != nil {
		return err
	}
	s.log.Debug().Str("notification_id", id).Str("user_id", userID).Msg("Notification marked read")
	return nil
}
