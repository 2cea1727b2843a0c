package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	EventFindingIngested = "finding.ingested"

	HeaderTenantID    = "tenant_id"
	HeaderEventType   = "event_type"
	HeaderTraceParent = "traceparent"
)

// FindingEvent is the payload published after a finding is stored
type FindingEvent struct {
	Type      string         `json:"type"`
	Target    string         `json:"target"`
	Finding   models.Finding `json:"finding"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProducerConfig configures the Kafka producer
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes finding events to Kafka
type Producer struct {
	writer messageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger ectologger.Logger) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("a topic is required")
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{}, // Hash by key for partition affinity
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		MaxAttempts:            config.MaxAttempts,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, config.Topic, logger), nil
}

func newProducer(writer messageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// PublishFindingIngested publishes a finding.ingested event keyed by tenant and external id
func (p *Producer) PublishFindingIngested(ctx context.Context, target string, finding models.Finding) error {
	ctx, span := tracing.StartSpan(ctx, "Producer.PublishFindingIngested")
	defer span.End()

	msg, err := NewFindingMessage(ctx, target, finding)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(metrics.OutcomeError).Inc()
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":       p.topic,
		"tenant_id":   finding.TenantID,
		"external_id": finding.ExternalID,
	}).Debug("Published finding event")
	return nil
}

// NewFindingMessage builds the Kafka message for a stored finding
func NewFindingMessage(ctx context.Context, target string, finding models.Finding) (kafka.Message, error) {
	now := time.Now().UTC()
	data, err := json.Marshal(FindingEvent{
		Type:      EventFindingIngested,
		Target:    target,
		Finding:   finding,
		Timestamp: now,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize message: %w", err)
	}

	headers := []kafka.Header{
		{Key: HeaderTenantID, Value: []byte(finding.TenantID)},
		{Key: HeaderEventType, Value: []byte(EventFindingIngested)},
	}
	if traceParent := tracing.GetTraceParent(ctx); traceParent != "" {
		headers = append(headers, kafka.Header{Key: HeaderTraceParent, Value: []byte(traceParent)})
	}

	return kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", finding.TenantID, finding.ExternalID)),
		Value:   data,
		Headers: headers,
		Time:    now,
	}, nil
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}
