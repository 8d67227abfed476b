// Package kafkautil carries execution requests in and execution events out
// over Kafka as JSON messages.
package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/tsubame/pkg/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// ErrDecode marks a message whose value is not a valid payload. Such
// messages are committed and skipped.
var ErrDecode = errors.New("undecodable message")

type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader     messageReader
	logger     lg.Logger
	newBackOff func() backoff.BackOff
}

func NewConsumer[T any](cfg Config, logger lg.Logger) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return newConsumer[T](r, logger)
}

func newConsumer[T any](r messageReader, logger lg.Logger) *Consumer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Consumer[T]{
		reader: r,
		logger: logger,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 30 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// Read fetches the next message, decodes it and commits it. A message that
// does not decode is still committed and reported with ErrDecode.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w at offset %d: %w", ErrDecode, msg.Offset, decodeErr)
	}

	return payload, nil
}

// Run reads until ctx is done and hands every payload to handle. Handler
// errors are logged and do not stop the loop. Broker errors are retried
// with exponential backoff.
func (c *Consumer[T]) Run(ctx context.Context, handle func(context.Context, T) error) error {
	bo := c.newBackOff()
	for {
		payload, err := c.Read(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrDecode):
			c.logger.Warn("skipping message", lg.Err(err))
			continue
		case err != nil:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("kafka read: %w", err)
			}
			c.logger.Warn("kafka read failed, retrying", lg.Err(err), lg.Duration("wait", wait))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		bo.Reset()
		if err := handle(ctx, payload); err != nil {
			c.logger.Error("message handler failed", lg.Err(err))
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
