package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// NotificationPublisher publishes approval notifications to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<notification_type>
// e.g. notifications.approvals.approval_required
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	log    *logger.Logger
}

// Publisher is the part of *nats.Conn the publisher uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Recipients   []string  `json:"recipients"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	IsActionable bool      `json:"is_actionable"`
	Category     string    `json:"category"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher on conn.
func NewNotificationPublisher(conn Publisher, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// ConnectNATS dials url with reconnects enabled and connection state logged.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject a notification type is published on.
func (p *NotificationPublisher) Subject(notificationType string) string {
	return fmt.Sprintf("%s.%s", p.prefix, notificationType)
}

// Publish sends n to its subject.
func (p *NotificationPublisher) Publish(ctx context.Context, n *repository.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := &NotificationEvent{
		EventID:      n.ID,
		EventType:    n.Type,
		Recipients:   []string{n.UserID},
		ResourceType: n.EntityType,
		ResourceID:   n.EntityID,
		Title:        n.Title,
		Message:      n.Message,
		IsActionable: n.Type == "approval_required" || n.Type == "request_sent_back",
		Category:     "approvals",
		OccurredAt:   n.CreatedAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	subject := p.Subject(n.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("notification_id", n.ID).
		Str("request_id", n.EntityID).
		Msg("Notification event published")
	return nil
}
