package client

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type capturePublisher struct {
	subject string
	data    []byte
	err     error
}

func (c *capturePublisher) Publish(subj string, data []byte) error {
	c.subject, c.data = subj, data
	return c.err
}

func TestNotificationPublisher_Publish(t *testing.T) {
	conn := &capturePublisher{}
	p := NewNotificationPublisher(conn, "notifications.approvals", logger.Nop())
	at := time.Date(2025, 5, 12, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), &repository.Notification{
		ID: "n-1", UserID: "U1", Type: "approval_required", Title: "Approval required",
		Message: "REQ-202505-00001 is awaiting your approval", EntityType: "approval_request",
		EntityID: "req-1", CreatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "notifications.approvals.approval_required", conn.subject)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(conn.data, &event))
	assert.Equal(t, []string{"U1"}, event.Recipients)
	assert.Equal(t, "req-1", event.ResourceID)
	assert.True(t, event.IsActionable)
	assert.True(t, at.Equal(event.OccurredAt))
}

func TestNotificationPublisher_Errors(t *testing.T) {
	conn := &capturePublisher{err: fmt.Errorf("nats: connection closed")}
	p := NewNotificationPublisher(conn, "n", logger.Nop())

	err := p.Publish(context.Background(), &repository.Notification{ID: "n-1", Type: "request_approved"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n.request_approved")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, &repository.Notification{ID: "n-2"}), context.Canceled)
}
