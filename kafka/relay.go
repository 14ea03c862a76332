package kafka

import (
	"context"
	"errors"
	"time"

	"foodorder-svc/circuitbreaker"
	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Relay drains queued communication events to the notification topic. It
// claims a batch, publishes each event and records the outcome on the row.
type Relay struct {
	queue     store.EventQueue
	publisher *Publisher
	topic     string
	cfg       config.Relay
	logger    *zap.Logger
	now       func() time.Time
	lastPurge time.Time
}

func NewRelay(queue store.EventQueue, publisher *Publisher, topic string, cfg config.Relay, logger *zap.Logger) *Relay {
	return &Relay{
		queue:     queue,
		publisher: publisher,
		topic:     topic,
		cfg:       cfg,
		logger:    logger.Named("relay"),
		now:       time.Now,
	}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Notification relay started",
		zap.String("topic", r.topic),
		zap.Duration("interval", r.cfg.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Notification relay stopped")
			return
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("Relay pass failed", zap.Error(err))
			}
			r.purge(ctx)
		}
	}
}

// RunOnce relays one batch and reports how many events were sent and failed.
func (r *Relay) RunOnce(ctx context.Context) (sent, failed int, err error) {
	ctx, span := otel.Tracer("order-service").Start(ctx, "RelayNotifications")
	defer span.End()

	events, err := r.queue.ClaimEvents(ctx, r.cfg.BatchSize, r.now().UTC())
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}
	span.SetAttributes(attribute.Int("relay.batch", len(events)))

	for _, ev := range events {
		if err := r.publisher.Publish(ctx, r.topic, ev.Recipient, ev); err != nil {
			failed++
			r.fail(ctx, ev, err)
			continue
		}
		if err := r.queue.MarkEventSent(ctx, ev.ID, r.now().UTC()); err != nil {
			r.logger.Error("Failed to mark event sent",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		sent++
		middleware.RecordNotificationRelayed(string(ev.EventType), "sent")
	}

	if len(events) > 0 {
		r.logger.Info("Relayed notifications",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("sent", sent),
			zap.Int("failed", failed),
		)
	}
	return sent, failed, nil
}

func (r *Relay) fail(ctx context.Context, ev models.CommunicationEvent, cause error) {
	status, err := r.queue.MarkEventFailed(ctx, ev.ID, cause.Error(), r.cfg.MaxRetries, r.now().UTC())
	if err != nil {
		r.logger.Error("Failed to record relay failure",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return
	}

	result := "retry"
	if status == models.EventStatusFailed {
		result = "failed"
	}
	if errors.Is(cause, circuitbreaker.ErrCircuitOpen) {
		result = "circuit_open"
	}
	middleware.RecordNotificationRelayed(string(ev.EventType), result)

	r.logger.Warn("Failed to relay notification",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.Int("retry_count", ev.RetryCount+1),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
}

func (r *Relay) purge(ctx context.Context) {
	if r.cfg.Retention <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastPurge) < time.Hour {
		return
	}
	r.lastPurge = now

	n, err := r.queue.PurgeEvents(ctx, now.Add(-r.cfg.Retention).UTC())
	if err != nil {
		r.logger.Error("Failed to purge events", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("Purged finished events", zap.Int64("count", n))
	}
}
