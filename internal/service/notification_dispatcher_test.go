package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*repository.Notification
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, n *repository.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, n)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func testNotification(id, userID string) *repository.Notification {
	return &repository.Notification{
		ID: id, UserID: userID, Type: NotifyApprovalRequired,
		Title: "Approval required", EntityType: "approval_request", EntityID: "req-1",
		CreatedAt: time.Now(),
	}
}

func TestNotificationDispatcher_Delivers(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{}
	m := metrics.New()
	d := NewNotificationDispatcher(store, pub, DispatcherConfig{BufferSize: 16, Workers: 2}, logger.Nop(), m)
	d.Start()

	for i := 0; i < 5; i++ {
		d.Send(context.Background(), testNotification(fmt.Sprintf("n-%d", i), "U1"))
	}
	d.Close()

	assert.Equal(t, 5, pub.count())
	stored, err := store.ListNotifications(context.Background(), "U1", false, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	series, err := testutil.GatherAndCount(m.Registry(), "approvals_notifications_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestNotificationDispatcher_DropsWhenBufferFull(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{}
	d := NewNotificationDispatcher(store, pub, DispatcherConfig{BufferSize: 2}, logger.Nop(), nil)

	// Not started: the buffer fills and the rest is dropped.
	for i := 0; i < 5; i++ {
		d.Send(context.Background(), testNotification(fmt.Sprintf("n-%d", i), "U1"))
	}
	d.Close()

	assert.Equal(t, 2, pub.count(), "buffered notifications are delivered on close")
	stored, err := store.ListNotifications(context.Background(), "U1", false, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestNotificationDispatcher_SendAfterCloseIsDropped(t *testing.T) {
	pub := &fakePublisher{}
	d := NewNotificationDispatcher(nil, pub, DispatcherConfig{}, logger.Nop(), nil)
	d.Start()
	d.Close()
	d.Close()

	assert.NotPanics(t, func() {
		d.Send(context.Background(), testNotification("late", "U1"))
	})
	assert.Zero(t, pub.count())
}

func TestNotificationDispatcher_PublishFailureStillPersists(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{err: fmt.Errorf("nats: connection closed")}
	d := NewNotificationDispatcher(store, pub, DispatcherConfig{BufferSize: 4, Workers: 1}, logger.Nop(), nil)
	d.Start()

	d.Send(context.Background(), testNotification("n-1", "U2"))
	d.Close()

	stored, err := store.ListNotifications(context.Background(), "U2", false, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "n-1", stored[0].ID)
}
