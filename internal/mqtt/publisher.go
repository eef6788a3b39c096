// Package mqtt publishes polled register values to the broker. Publishing is
// fire and forget: a dropped message never fails a polling cycle.
package mqtt

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Sample is one polled read result bound for the broker.
type Sample struct {
	DeviceID     string
	RegisterType string
	Address      int
	Count        int
	Values       []int
	Timestamp    time.Time
}

type payload struct {
	DeviceID     string  `json:"device_id"`
	RegisterType string  `json:"register_type"`
	Address      int     `json:"address"`
	Count        int     `json:"count"`
	Values       []int   `json:"values"`
	Timestamp    float64 `json:"timestamp"`
}

// Publisher delivers samples to the broker.
type Publisher interface {
	PublishSample(s Sample)
	Connected() bool
	Close()
}

// ErrorRecorder counts dropped publishes. Implemented by the metrics
// collector; nil disables counting.
type ErrorRecorder interface {
	ObservePublishError()
}

// Config holds broker connection parameters.
type Config struct {
	BrokerHost  string
	BrokerPort  int
	Username    string
	Password    string
	TopicPrefix string
}

type pahoPublisher struct {
	client   paho.Client
	prefix   string
	recorder ErrorRecorder
	log      *logrus.Entry
}

// NewPublisher connects to the broker and returns a paho-backed publisher.
// The client reconnects on its own; a broker outage only drops samples.
func NewPublisher(cfg Config, rec ErrorRecorder, log *logrus.Logger) (Publisher, error) {
	hostname, _ := os.Hostname()
	clientID := fmt.Sprintf("%s-%s-%d", "modbus-middleware", hostname, os.Getpid())

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.BrokerHost, cfg.BrokerPort)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	entry := log.WithField("component", "mqtt")
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		entry.WithError(err).Warn("broker connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		entry.Info("broker connected")
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &pahoPublisher{client: client, prefix: cfg.TopicPrefix, recorder: rec, log: entry}, nil
}

// PublishSample sends the sample at QoS 0 without waiting for delivery.
// Failures are logged, never returned.
func (p *pahoPublisher) PublishSample(s Sample) {
	topic := fmt.Sprintf("%s/%s/%s/%d", p.prefix, s.DeviceID, s.RegisterType, s.Address)
	body, err := json.Marshal(payload{
		DeviceID:     s.DeviceID,
		RegisterType: s.RegisterType,
		Address:      s.Address,
		Count:        s.Count,
		Values:       s.Values,
		Timestamp:    float64(s.Timestamp.UnixNano()) / float64(time.Second),
	})
	if err != nil {
		p.log.WithError(err).Error("marshal sample")
		p.countError()
		return
	}

	token := p.client.Publish(topic, 0, false, body)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.WithError(err).WithField("topic", topic).Warn("publish failed")
			p.countError()
		}
	}()
}

func (p *pahoPublisher) countError() {
	if p.recorder != nil {
		p.recorder.ObservePublishError()
	}
}

func (p *pahoPublisher) Connected() bool { return p.client.IsConnectionOpen() }

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishSample(Sample) {}
func (NoopPublisher) Connected() bool      { return false }
func (NoopPublisher) Close()               {}
