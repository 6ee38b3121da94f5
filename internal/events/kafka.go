package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events keyed by user id so a user's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

func NewKafkaPublisher(cfg KafkaConfig, log *logrus.Entry) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("count", len(messages)).Warn("kafka publish failed")
			}
		},
	}
	return &KafkaPublisher{writer: w, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events.Publish marshal")
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	return errors.Wrap(p.writer.WriteMessages(ctx, msg), "events.Publish")
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
