// Package stream connects consumers to Kafka: a Source feeds command batches
// from the matching-engine topic, a Publisher forwards positions.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/reconciler/internal/model"
)

// ErrEmptyMessage is returned by Decode for a message without a value.
var ErrEmptyMessage = errors.New("stream: empty message")

// MessageReader is the part of *kafka.Reader a Source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Executor receives decoded command batches.
type Executor interface {
	Name() string
	Execute(ctx context.Context, commands []model.Command) error
}

// ReaderConfig selects the topic and consumer group of a reader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader opens a consumer-group reader. Offsets are committed explicitly
// by the Source.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	logger := slog.With("topic", cfg.Topic, "group", cfg.GroupID)
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
}

// Source delivers every message of a reader to one executor, in order.
type Source struct {
	reader MessageReader
	exec   Executor
	logger *slog.Logger
}

func NewSource(reader MessageReader, exec Executor) *Source {
	return &Source{
		reader: reader,
		exec:   exec,
		logger: slog.With("consumer", exec.Name()),
	}
}

// Run fetches, executes and commits until ctx is done. A message that does
// not decode is logged and committed. A message is committed only after
// Execute returns, so a parked consumer stops advancing its offsets.
func (s *Source) Run(ctx context.Context) error {
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}

		commands, err := Decode(msg.Value)
		if err != nil {
			s.logger.Warn("undecodable command message skipped",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
		} else if err := s.exec.Execute(ctx, commands); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("execute offset %d: %w", msg.Offset, err)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// Decode parses a message value holding either a JSON array of commands or a
// single command object.
func Decode(value []byte) ([]model.Command, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil, ErrEmptyMessage
	}
	if value[0] == '{' {
		var c model.Command
		if err := json.Unmarshal(value, &c); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
		return []model.Command{c}, nil
	}
	var commands []model.Command
	if err := json.Unmarshal(value, &commands); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return commands, nil
}
