package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the slice of kgo.Client the sink uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaSink publishes run events to a Kafka topic. Records are keyed by
// run ID so all events of one run land on the same partition in order.
type KafkaSink struct {
	client producer
	topic  string
	log    *slog.Logger
}

// NewKafkaSink connects to the given brokers and makes sure the topic
// exists before returning.
func NewKafkaSink(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create kafka client: %w", err)
	}
	if err := ensureTopic(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}
	return &KafkaSink{client: client, topic: topic, log: log}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string) error {
	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, -1, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("could not create topic %q: %w", topic, err)
	}
	res := resps[topic]
	if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("could not create topic %q: %w", topic, res.Err)
	}
	return nil
}

// Publish serializes the event and hands it to the async producer.
// Delivery failures are logged, never returned.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("could not encode run event", "kind", ev.Kind, "error", err)
		return
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(ev.RunID),
		Value: payload,
	}
	s.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Error("could not publish run event",
				"kind", ev.Kind, "run_id", ev.RunID, "error", err)
		}
	})
}

// Close flushes buffered records and tears the client down.
func (s *KafkaSink) Close(ctx context.Context) error {
	defer s.client.Close()
	if err := s.client.Flush(ctx); err != nil {
		return fmt.Errorf("could not flush pending events: %w", err)
	}
	return nil
}
