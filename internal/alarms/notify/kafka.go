package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	alarmapp "sensorguard-cloud/internal/alarms/application"
	"sensorguard-cloud/internal/observability/metrics"
)

const (
	sinkKafka         = "kafka"
	defaultAlarmTopic = "sensorguard.alarms"
)

// KafkaSink publishes alarm messages keyed by event id, so one event's
// history stays on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// KafkaOption configures the sink.
type KafkaOption func(*KafkaSink)

// WithTopic overrides the destination topic.
func WithTopic(topic string) KafkaOption {
	return func(s *KafkaSink) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithKafkaLogger assigns a logger.
func WithKafkaLogger(logger *zap.Logger) KafkaOption {
	return func(s *KafkaSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, opts ...KafkaOption) (*KafkaSink, error) {
	if producer == nil {
		return nil, errors.New("kafka sink: nil producer")
	}
	s := &KafkaSink{producer: producer, topic: defaultAlarmTopic, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSyncProducer dials brokers with acks from all in-sync replicas.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: no brokers")
	}
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second
	return sarama.NewSyncProducer(brokers, cfg)
}

// Notify publishes visible transitions and clears. Everything else is
// dropped.
func (s *KafkaSink) Notify(ctx context.Context, outcome alarmapp.Outcome) {
	if s == nil {
		return
	}
	if _, err := s.Publish(ctx, outcome); err != nil {
		s.logger.Warn("kafka alarm publish failed",
			zap.String("event_id", outcome.Record.ID), zap.String("topic", s.topic), zap.Error(err))
	}
}

// Publish sends the outcome and reports whether it was eligible.
func (s *KafkaSink) Publish(ctx context.Context, outcome alarmapp.Outcome) (bool, error) {
	if s == nil || s.producer == nil {
		return false, errors.New("kafka sink: nil producer")
	}
	if !outcome.Visible() && outcome.Kind != alarmapp.OutcomeCleared {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(alarmapp.NewAlarmMessage(outcome))
	if err != nil {
		return false, err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(outcome.Record.ID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("level"), Value: []byte(outcome.Record.Level)},
			{Key: []byte("kind"), Value: []byte(outcome.Kind)},
		},
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		metrics.IncSinkPublish(sinkKafka, metrics.ResultError)
		return true, err
	}
	metrics.IncSinkPublish(sinkKafka, metrics.ResultSuccess)
	s.logger.Debug("alarm published",
		zap.String("event_id", outcome.Record.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return true, nil
}

// Close closes the underlying producer.
func (s *KafkaSink) Close() error {
	if s == nil || s.producer == nil {
		return nil
	}
	return s.producer.Close()
}
