package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"foodorder-svc/circuitbreaker"
	"foodorder-svc/config"
	"foodorder-svc/middleware"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func InitProducer(cfg config.Kafka, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Brokers))
	return producer, nil
}

// Publisher sends JSON messages through a circuit breaker so a dead broker
// fails fast instead of stalling every caller.
type Publisher struct {
	producer sarama.SyncProducer
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewPublisher(producer sarama.SyncProducer, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, breaker: breaker, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, event any) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(eventJSON),
	}

	// Inject trace context into Kafka message headers
	carrier := make(saramaHeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = []sarama.RecordHeader(carrier)

	var (
		partition int32
		offset    int64
	)
	send := func() error {
		var err error
		partition, offset, err = p.producer.SendMessage(msg)
		return err
	}
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
