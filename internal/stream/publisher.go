package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/reconciler/internal/model"
)

// MessageWriter is the part of *kafka.Writer a Publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes positions to a topic, keyed by position id.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewPublisher creates an asynchronous publisher. Delivery failures are only
// logged.
func NewPublisher(brokers []string, topic string) *Publisher {
	logger := slog.With("topic", topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("position publish failed", "count", len(messages), "err", err)
			}
		},
	}
	return &Publisher{writer: w, logger: logger}
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{writer: w, logger: slog.Default()}
}

func (p *Publisher) PublishPositions(ctx context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(positions))
	for _, pos := range positions {
		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("marshal position %d: %w", pos.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(pos.ID, 10)),
			Value: data,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish positions: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
