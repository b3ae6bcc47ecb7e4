package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	syncer "edgefleet/internal/syncer/domain"
	telemetryapp "edgefleet/internal/telemetry/application"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// TelemetryTopic is the subscription filter; the wildcard is the device id.
const TelemetryTopic = "edgefleet/devices/+/telemetry"

// BatchSubmitter is implemented by the ingest service.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, batch syncer.Batch) (telemetryapp.BatchOutcome, error)
}

// Config holds broker settings.
type Config struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      byte          `yaml:"qos"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AckPublisher is the publishing half of paho.Client.
type AckPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Subscriber feeds MQTT telemetry into the ingest service and publishes the
// SyncLog to "<topic>/ack".
type Subscriber struct {
	client  paho.Client
	acks    AckPublisher
	service BatchSubmitter
	cfg     Config
	logger  *zap.Logger
}

type message struct {
	BatchID  string              `json:"batch_id"`
	Attempts int                 `json:"attempts"`
	Samples  []syncer.Submission `json:"samples"`
}

// NewSubscriber connects to the broker.
func NewSubscriber(cfg Config, service BatchSubmitter, logger *zap.Logger) (*Subscriber, error) {
	if service == nil {
		return nil, errors.New("mqtt subscriber: nil service")
	}
	if cfg.Broker == "" {
		return nil, errors.New("mqtt subscriber: empty broker")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "edgefleet-ingest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := paho.NewClientOptions()
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

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt subscriber: connect: %w", token.Error())
	}
	return &Subscriber{client: client, acks: client, service: service, cfg: cfg, logger: logger}, nil
}

// Start subscribes to the telemetry topic.
func (s *Subscriber) Start() error {
	token := s.client.Subscribe(TelemetryTopic, s.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		if err := s.Handle(msg.Topic(), msg.Payload()); err != nil {
			s.logger.Warn("mqtt telemetry rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt subscriber: subscribe %s: %w", TelemetryTopic, token.Error())
	}
	s.logger.Info("mqtt telemetry subscribed", zap.String("topic", TelemetryTopic))
	return nil
}

// Handle processes one telemetry message.
func (s *Subscriber) Handle(topic string, payload []byte) error {
	deviceID, err := DeviceFromTopic(topic)
	if err != nil {
		return err
	}
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("mqtt subscriber: decode: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	outcome, err := s.service.SubmitBatch(ctx, syncer.Batch{
		ID:          msg.BatchID,
		DeviceID:    deviceID,
		Attempts:    msg.Attempts,
		Submissions: msg.Samples,
	})
	if err != nil {
		return err
	}
	ack, err := json.Marshal(outcome.Log)
	if err != nil {
		return err
	}
	if s.acks == nil {
		return nil
	}
	token := s.acks.Publish(topic+"/ack", s.cfg.QoS, false, ack)
	if token.WaitTimeout(s.cfg.Timeout) && token.Error() != nil {
		return fmt.Errorf("mqtt subscriber: publish ack: %w", token.Error())
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if s == nil || s.client == nil {
		return
	}
	if token := s.client.Unsubscribe(TelemetryTopic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
}

// DeviceFromTopic extracts the device id from edgefleet/devices/{id}/telemetry.
func DeviceFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "edgefleet" || parts[1] != "devices" || parts[3] != "telemetry" || parts[2] == "" {
		return "", fmt.Errorf("mqtt subscriber: unexpected topic %q", topic)
	}
	return parts[2], nil
}
