package message

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/charging-platform/balanz/internal/config"
	"github.com/charging-platform/balanz/internal/domain/events"
	"github.com/charging-platform/balanz/internal/logger"
	"github.com/charging-platform/balanz/internal/metrics"
)

// KafkaProducer publishes integration events to a Kafka topic. Events
// are keyed by charger id so all events for one charger land in the
// same partition and stay ordered.
type KafkaProducer struct {
	producer sarama.AsyncProducer
	topic    string
	log      zerolog.Logger
}

// NewKafkaProducer connects an async producer per cfg.
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Retry.Max = cfg.RetryMax
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}
	return newKafkaProducer(producer, cfg.Topic), nil
}

func newKafkaProducer(producer sarama.AsyncProducer, topic string) *KafkaProducer {
	kp := &KafkaProducer{
		producer: producer,
		topic:    topic,
		log:      logger.Component("kafka"),
	}
	go kp.handleSuccesses()
	go kp.handleErrors()
	return kp
}

// PublishEvent marshals the event and hands it to the async producer.
func (p *KafkaProducer) PublishEvent(event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.GetEventType(), err)
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetChargerID()),
		Value: sarama.ByteEncoder(data),
	}
	metrics.EventsPublished.WithLabelValues(string(event.GetEventType())).Inc()
	return nil
}

// Close flushes pending messages and shuts the producer down.
func (p *KafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *KafkaProducer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("event delivered")
	}
}

func (p *KafkaProducer) handleErrors() {
	for err := range p.producer.Errors() {
		p.log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Msg("event delivery failed")
	}
}
