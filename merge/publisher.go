package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopicPrefix is the topic root used when none is configured.
const DefaultTopicPrefix = "histmerge"

var errNotConnected = errors.New("MQTT client not connected")

// MQTTSettings configure the broker connection of a ReportPublisher.
type MQTTSettings struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      int
}

// RunSummary is the payload published after a run.
type RunSummary struct {
	Kind        string       `json:"kind"`
	CompletedAt int64        `json:"completed_at"`
	DurationS   float64      `json:"duration_s"`
	Outputs     []string     `json:"outputs"`
	Report      *MergeReport `json:"report"`
}

// ReportPublisher publishes run summaries to MQTT. Messages are retained so
// a subscriber connecting later still sees the latest run of each kind.
type ReportPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	log    *zap.Logger
}

// NewReportPublisher wraps a connected client. A nil client disables
// publishing.
func NewReportPublisher(client mqtt.Client, prefix string, log *zap.Logger) *ReportPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReportPublisher{
		client: client,
		prefix: prefix,
		qos:    1,
		retain: true,
		log:    log,
	}
}

// ConnectMQTT dials the broker and waits for the connection. Batch runs
// publish once and exit, so there is no background reconnect.
func ConnectMQTT(s MQTTSettings, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)

	clientID := s.ClientID
	if clientID == "" {
		clientID = DefaultTopicPrefix
	}
	opts.SetClientID(clientID)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(timeout)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out after %v", s.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.Broker, err)
	}
	return client, nil
}

// Topic returns the report topic for a feature kind.
func (p *ReportPublisher) Topic(kind string) string {
	return fmt.Sprintf("%s/%s/report", p.prefix, kind)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *ReportPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// Publish sends the summary of one run.
func (p *ReportPublisher) Publish(s *RunSummary) error {
	if p.client == nil || !p.client.IsConnected() {
		return errNotConnected
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}

	topic := p.Topic(s.Kind)
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	p.log.Info("published run summary",
		zap.String("topic", topic),
		zap.Int("merged", s.Report.MergedFeatures),
		zap.Int("unmatched", s.Report.UnmatchedFeatures))
	return nil
}

// Close disconnects the underlying client.
func (p *ReportPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
