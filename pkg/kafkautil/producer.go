package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/tsubame/pkg/lg"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"github.com/segmentio/kafka-go"
)

const (
	publishTimeout = 5 * time.Second
	// Send blocks until its batch is flushed
	batchTimeout = 5 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Producer publishes JSON messages keyed so that all messages for one key
// land on the same partition in order.
type Producer struct {
	writer messageWriter
	topic  string
	logger lg.Logger
}

func NewProducer(brokers []string, topic string, logger lg.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, topic, logger)
}

func newProducer(w messageWriter, topic string, logger lg.Logger) *Producer {
	if logger == nil {
		logger = lg.Discard
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

func (p *Producer) Send(ctx context.Context, key string, v any, at time.Time) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  at,
	})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		p.logger.Error("Kafka topic does not exist",
			lg.String("topic", p.topic),
			lg.String("action", "Create the topic manually or enable auto-creation"))
	}
	if err != nil {
		return fmt.Errorf("write to %s: %w", p.topic, err)
	}
	return nil
}

// Publish sends an execution event keyed by execution ID.
func (p *Producer) Publish(ctx context.Context, ev dm.ExecutionEvent) error {
	return p.Send(ctx, ev.ExecutionID, ev, ev.At)
}

// Request enqueues a run request keyed by job ID.
func (p *Producer) Request(ctx context.Context, req dm.RunRequest) error {
	return p.Send(ctx, fmt.Sprintf("job-%d", req.JobID), req, time.Now().UTC())
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
