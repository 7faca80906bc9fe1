package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/jobs"
)

const (
	checkInJobType = "checkin.event"
	drainTimeout   = 5 * time.Second
)

// EventPublisher delivers one check-in event downstream.
type EventPublisher interface {
	Publish(ctx context.Context, event models.CheckInEvent) error
}

// NoopPublisher drops events; it is used when publishing is disabled.
type NoopPublisher struct{}

// Publish implements EventPublisher.
func (NoopPublisher) Publish(context.Context, models.CheckInEvent) error { return nil }

// AMQPPublisher publishes persistent JSON messages to a durable queue on the
// default exchange. The connection is opened lazily and reopened after a
// failed publish.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher constructs a publisher for queue at url.
func NewAMQPPublisher(url, queue string, logger *zap.Logger) *AMQPPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{url: url, queue: queue, logger: logger}
}

// Publish implements EventPublisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event models.CheckInEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal check-in event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    time.Now().UTC(),
		Type:         checkInJobType,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *AMQPPublisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", p.queue, err)
	}
	p.logger.Info("amqp publisher connected", zap.String("queue", p.queue))
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// EventDispatcher hands check-in events to a publisher through the in-memory
// job queue, so a slow or unavailable broker never delays a check-in.
type EventDispatcher struct {
	queue     *jobs.Queue
	publisher EventPublisher
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewEventDispatcher wires publisher behind a retrying job queue.
func NewEventDispatcher(publisher EventPublisher, metrics *MetricsService, maxRetries int, logger *zap.Logger) *EventDispatcher {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &EventDispatcher{publisher: publisher, metrics: metrics, logger: logger}
	d.queue = jobs.NewQueue("checkin-events", d.handle, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 256,
		MaxRetries: maxRetries,
		RetryDelay: 2 * time.Second,
		Logger:     logger,
	})
	return d
}

// Start launches the delivery worker.
func (d *EventDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop gives queued events up to drainTimeout to reach the broker, then
// stops the worker.
func (d *EventDispatcher) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if dropped := d.queue.Shutdown(ctx); dropped > 0 {
		d.logger.Warn("check-in events not delivered before shutdown", zap.Int("dropped", dropped))
	}
}

// Notify queues event for delivery. A full or stopped queue drops the event
// with a warning.
func (d *EventDispatcher) Notify(event models.CheckInEvent) {
	if err := d.queue.Enqueue(jobs.Job{Type: checkInJobType, Payload: event}); err != nil {
		d.logger.Warn("check-in event dropped", zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (d *EventDispatcher) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.CheckInEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	err := d.publisher.Publish(ctx, event)
	d.metrics.RecordPublish(err == nil)
	return err
}

// InlineNotifier publishes each event before returning. Short-lived
// processes use it so nothing is left in a queue at exit.
type InlineNotifier struct {
	publisher EventPublisher
	metrics   *MetricsService
	timeout   time.Duration
	logger    *zap.Logger
}

// NewInlineNotifier wraps publisher with a per-event timeout.
func NewInlineNotifier(publisher EventPublisher, metrics *MetricsService, timeout time.Duration, logger *zap.Logger) *InlineNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineNotifier{publisher: publisher, metrics: metrics, timeout: timeout, logger: logger}
}

// Notify implements CheckInNotifier.
func (n *InlineNotifier) Notify(event models.CheckInEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	err := n.publisher.Publish(ctx, event)
	n.metrics.RecordPublish(err == nil)
	if err != nil {
		n.logger.Warn("check-in event not published", zap.String("event_id", event.ID), zap.Error(err))
	}
}
