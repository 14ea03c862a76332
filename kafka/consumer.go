package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/services"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const webhookActor = "payment-webhook"

func InitConsumer(cfg config.Kafka, logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second

	consumer, err := sarama.NewConsumer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// PaymentVerifier is satisfied by services.PaymentService.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, in services.VerifyPaymentInput) (models.VerificationResult, error)
}

// PaymentConsumer feeds provider webhooks from Kafka into payment
// verification.
type PaymentConsumer struct {
	verifier   PaymentVerifier
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewPaymentConsumer(verifier PaymentVerifier, maxRetries int, logger *zap.Logger) *PaymentConsumer {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &PaymentConsumer{
		verifier:   verifier,
		logger:     logger.Named("payment-consumer"),
		maxRetries: maxRetries,
		backoff:    time.Second,
	}
}

// Start consumes every partition of topic until ctx is cancelled.
func (pc *PaymentConsumer) Start(ctx context.Context, consumer sarama.Consumer, topic string) error {
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	// Open every partition before consuming any, so a failure leaves nothing
	// running.
	partitionConsumers := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, partition := range partitions {
		partitionConsumer, err := consumer.ConsumePartition(topic, partition, sarama.OffsetNewest)
		if err != nil {
			for _, opened := range partitionConsumers {
				if cerr := opened.Close(); cerr != nil {
					pc.logger.Warn("Failed to close partition consumer", zap.Error(cerr))
				}
			}
			return fmt.Errorf("failed to consume partition %d: %w", partition, err)
		}
		partitionConsumers = append(partitionConsumers, partitionConsumer)
	}

	var wg sync.WaitGroup
	for _, partitionConsumer := range partitionConsumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer partitionConsumer.Close()
			pc.consume(ctx, partitionConsumer)
		}()
	}

	pc.logger.Info("Kafka consumer started", zap.String("topic", topic), zap.Int("partitions", len(partitions)))
	wg.Wait()
	return nil
}

func (pc *PaymentConsumer) consume(ctx context.Context, partitionConsumer sarama.PartitionConsumer) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-partitionConsumer.Messages():
			if message == nil {
				return
			}
			if err := pc.handleMessageWithRetry(ctx, message); err != nil {
				pc.logger.Error("Failed to handle message after retries",
					zap.String("topic", message.Topic),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
		case err := <-partitionConsumer.Errors():
			if err != nil {
				pc.logger.Error("Kafka consumer error", zap.Error(err))
			}
		}
	}
}

// handleMessageWithRetry retries only failures that a second attempt could
// fix. Rejections such as amount mismatches are final.
func (pc *PaymentConsumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	for attempt := 1; attempt <= pc.maxRetries; attempt++ {
		err := pc.handleMessage(ctx, message)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		if attempt < pc.maxRetries {
			backoff := time.Duration(attempt) * pc.backoff
			pc.logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", pc.maxRetries, lastErr)
}

func retryable(err error) bool {
	switch services.KindOf(err) {
	case services.KindCritical, services.KindPersistence:
		return true
	}
	return false
}

var errMalformed = fmt.Errorf("%w: malformed payment webhook", services.ErrInvalidInput)

func (pc *PaymentConsumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	// Extract trace context from Kafka message headers
	ctx = otel.GetTextMapPropagator().Extract(ctx, saramaHeaderCarrierConsumer(message.Headers))

	ctx, span := otel.Tracer("order-service").Start(ctx, "ProcessPaymentWebhook")
	defer span.End()

	var hook models.PaymentWebhook
	if err := json.Unmarshal(message.Value, &hook); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if hook.Reference == "" || hook.Status == "" {
		return fmt.Errorf("%w: reference and status are required", errMalformed)
	}
	span.SetAttributes(attribute.String("payment.reference", hook.Reference))

	payload := hook.Payload
	if len(payload) == 0 {
		payload = message.Value
	}
	res, err := pc.verifier.VerifyPayment(ctx, services.VerifyPaymentInput{
		Reference:      hook.Reference,
		ReportedStatus: hook.Status,
		ReportedAmount: hook.Amount,
		Currency:       hook.Currency,
		Channel:        hook.Channel,
		GatewayPayload: payload,
		Actor:          models.SystemActor(webhookActor),
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	pc.logger.Info("Payment webhook processed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("reference", hook.Reference),
		zap.String("outcome", string(res.Outcome)),
	)
	return nil
}
