// Package kafka publishes completion events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers. The topic is chosen per message.
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
}

// Publisher wraps a kafka.Writer.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a Publisher writing to cfg.Brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter builds a publisher over a custom writer.
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

// Publish writes payload as JSON to topic. Completion events are keyed by
// base URL so that one crawl scope stays on one partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Time:  p.now(),
	}
	if event, ok := payload.(crawler.CompletionEvent); ok {
		msg.Key = []byte(event.BaseURL)
		msg.Headers = []kafka.Header{{Key: "topic", Value: []byte(event.Topic)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write to %s: %w", topic, err)
	}
	return topic + "@" + strconv.FormatInt(msg.Time.UnixNano(), 10), nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
