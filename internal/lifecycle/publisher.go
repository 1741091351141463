// Package lifecycle publishes committed event status transitions to Kafka.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/metrics"
)

// Message is the JSON body of one lifecycle record. The record key is the
// event id, so transitions of one event stay ordered within a partition.
type Message struct {
	Type       string    `json:"type"`
	EventID    string    `json:"eventId"`
	EventName  string    `json:"eventName"`
	OwnerID    string    `json:"ownerId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	IsApproved bool      `json:"isApproved"`
	OccurredAt time.Time `json:"occurredAt"`
}

const messageType = "event.status_changed"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements events.StatusListener.
type Publisher struct {
	writer messageWriter
	logger zerolog.Logger
}

var _ events.StatusListener = (*Publisher)(nil)

// NewPublisher returns nil when no brokers are configured.
func NewPublisher(cfg config.KafkaConfig, logger zerolog.Logger) *Publisher {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
	}
	return newPublisher(writer, logger.With().Str("topic", cfg.Topic).Logger())
}

func newPublisher(writer messageWriter, logger zerolog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		logger: logger.With().Str("component", "lifecycle_publisher").Logger(),
	}
}

func (p *Publisher) StatusChanged(ctx context.Context, change events.StatusChange) error {
	body, err := json.Marshal(Message{
		Type:       messageType,
		EventID:    change.EventID,
		EventName:  change.EventName,
		OwnerID:    change.OwnerID,
		From:       string(change.From),
		To:         string(change.To),
		IsApproved: change.To.IsApproved(),
		OccurredAt: change.At.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode lifecycle message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.EventID),
		Value: body,
		Time:  change.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(messageType)},
		},
	})
	if err != nil {
		metrics.LifecycleMessagesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("publish lifecycle message: %w", err)
	}

	metrics.LifecycleMessagesTotal.WithLabelValues("published").Inc()
	p.logger.Debug().
		Str("event_id", change.EventID).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("lifecycle message published")
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
