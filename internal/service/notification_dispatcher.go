package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const deliveryTimeout = 5 * time.Second

// DispatcherConfig sizes the notification worker pool.
type DispatcherConfig struct {
	BufferSize int
	Workers    int
}

// NotificationDispatcher is the asynchronous NotificationSink. Send enqueues
// without blocking; workers persist each notification and publish it to the
// bus. Delivery failures are logged and counted, never returned.
type NotificationDispatcher struct {
	store     NotificationStore
	publisher EventPublisher
	log       *logger.Logger
	metrics   *metrics.Metrics

	queue   chan *repository.Notification
	workers int

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewNotificationDispatcher creates a dispatcher. store and publisher may be nil.
func NewNotificationDispatcher(
	store NotificationStore,
	publisher EventPublisher,
	cfg DispatcherConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *NotificationDispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &NotificationDispatcher{
		store:     store,
		publisher: publisher,
		log:       log,
		metrics:   m,
		queue:     make(chan *repository.Notification, cfg.BufferSize),
		workers:   cfg.Workers,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *NotificationDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Send enqueues n. When the buffer is full or the dispatcher is closed the
// notification is dropped with a warning.
func (d *NotificationDispatcher) Send(_ context.Context, n *repository.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(n, "dispatcher closed")
		return
	}

	select {
	case d.queue <- n:
	default:
		d.drop(n, "buffer full")
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *NotificationDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// Nobody will read the queue; deliver what is left inline.
		for n := range d.queue {
			d.deliver(n)
		}
		return
	}
	d.wg.Wait()
}

func (d *NotificationDispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *NotificationDispatcher) deliver(n *repository.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	ok := true
	if d.store != nil {
		if err := d.store.CreateNotification(ctx, n); err != nil {
			ok = false
			d.metrics.NotificationFailed("persist")
			d.log.Warn().Err(err).
				Str("notification_id", n.ID).
				Str("type", n.Type).
				Msg("Failed to persist notification")
		}
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, n); err != nil {
			ok = false
			d.metrics.NotificationFailed("publish")
			d.log.Warn().Err(err).
				Str("notification_id", n.ID).
				Str("type", n.Type).
				Msg("Failed to publish notification")
		}
	}
	if ok {
		d.metrics.NotificationSent(n.Type)
	}
}

func (d *NotificationDispatcher) drop(n *repository.Notification, reason string) {
	d.metrics.NotificationDropped()
	d.log.Warn().
		Str("notification_id", n.ID).
		Str("user_id", n.UserID).
		Str("type", n.Type).
		Str("reason", reason).
		Msg("Notification dropped")
}
