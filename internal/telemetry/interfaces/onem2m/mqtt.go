package onem2m

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	requestTopicSegment  = "req"
	responseTopicSegment = "resp"
	responseWaitTimeout  = 5 * time.Second
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewMQTTClient connects to the broker.
func NewMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("onem2m mqtt: broker is required")
	}
	client := mqtt.NewClient(clientOptions(cfg))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("onem2m mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

func clientOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// Readings for one device field must be applied in arrival order, so
	// HandleMessage runs on paho's single delivery goroutine.
	opts.SetOrderMatters(true)
	return opts
}

// RequestTopic returns the subscription filter for notifications addressed to aeID.
func RequestTopic(aeID string) string {
	return "/oneM2M/" + requestTopicSegment + "/+/" + aeID + "/json"
}

// MQTTSubscriber consumes oneM2M request primitives from the broker and
// answers each one on the matching response topic.
type MQTTSubscriber struct {
	client   mqtt.Client
	ingestor *Ingestor
	aeID     string
	topic    string
	qos      byte
	logger   *zap.Logger
	ctx      context.Context
}

// MQTTOption configures the subscriber.
type MQTTOption func(*MQTTSubscriber)

// WithTopic overrides the subscription filter.
func WithTopic(topic string) MQTTOption {
	return func(s *MQTTSubscriber) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithQoS sets the subscription QoS.
func WithQoS(qos byte) MQTTOption {
	return func(s *MQTTSubscriber) {
		if qos <= 2 {
			s.qos = qos
		}
	}
}

// WithMQTTLogger assigns a logger.
func WithMQTTLogger(logger *zap.Logger) MQTTOption {
	return func(s *MQTTSubscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMQTTSubscriber constructs a subscriber for notifications sent to aeID.
func NewMQTTSubscriber(client mqtt.Client, ingestor *Ingestor, aeID string, opts ...MQTTOption) (*MQTTSubscriber, error) {
	if client == nil {
		return nil, errors.New("onem2m mqtt: nil client")
	}
	if ingestor == nil {
		return nil, errors.New("onem2m mqtt: nil ingestor")
	}
	if strings.TrimSpace(aeID) == "" {
		return nil, errors.New("onem2m mqtt: ae id is required")
	}
	s := &MQTTSubscriber{
		client:   client,
		ingestor: ingestor,
		aeID:     aeID,
		topic:    RequestTopic(aeID),
		qos:      1,
		logger:   zap.NewNop(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start subscribes. Messages are ingested with ctx until Stop.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	if ctx != nil {
		s.ctx = ctx
	}
	token := s.client.Subscribe(s.topic, s.qos, s.HandleMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("onem2m mqtt: subscribe %s: %w", s.topic, token.Error())
	}
	s.logger.Info("mqtt subscribed", zap.String("topic", s.topic))
	return nil
}

// Stop unsubscribes and disconnects.
func (s *MQTTSubscriber) Stop() {
	if token := s.client.Unsubscribe(s.topic); token.WaitTimeout(responseWaitTimeout) && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
}

type requestEnvelope struct {
	Op  int    `json:"op"`
	To  string `json:"to"`
	Fr  string `json:"fr"`
	Rqi string `json:"rqi"`
}

type responsePrimitive struct {
	Rsc int    `json:"rsc"`
	Rqi string `json:"rqi"`
	To  string `json:"to,omitempty"`
	Fr  string `json:"fr,omitempty"`
}

// HandleMessage ingests one message. Requests carrying a request id get a
// response primitive with 2000 on success and 4000 on a decode failure.
func (s *MQTTSubscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	count, err := s.ingestor.Ingest(s.ctx, TransportMQTT, payload)

	rsc := 2000
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			rsc = 4000
		} else {
			rsc = 5000
			s.logger.Error("mqtt notification processing failed", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	} else {
		s.logger.Debug("mqtt notification ingested", zap.String("topic", msg.Topic()), zap.Int("readings", count))
	}

	var req requestEnvelope
	if jsonErr := json.Unmarshal(payload, &req); jsonErr != nil || req.Rqi == "" {
		return
	}
	topic, ok := ResponseTopic(msg.Topic())
	if !ok {
		return
	}
	body, _ := json.Marshal(responsePrimitive{Rsc: rsc, Rqi: req.Rqi, To: req.Fr, Fr: s.aeID})
	token := s.client.Publish(topic, s.qos, false, body)
	go func() {
		if token.WaitTimeout(responseWaitTimeout) && token.Error() != nil {
			s.logger.Warn("mqtt response publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
}

// ResponseTopic maps /oneM2M/req/<originator>/<receiver>/<format> to its
// /oneM2M/resp counterpart.
func ResponseTopic(requestTopic string) (string, bool) {
	parts := strings.Split(requestTopic, "/")
	for i, part := range parts {
		if part == requestTopicSegment && i > 0 && parts[i-1] == "oneM2M" {
			parts[i] = responseTopicSegment
			return strings.Join(parts, "/"), true
		}
	}
	return "", false
}
