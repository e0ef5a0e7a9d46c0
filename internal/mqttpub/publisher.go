// Package mqttpub publishes fusion results and calibration changes to MQTT
package mqttpub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
	"github.com/teslashibe/go-rangefuse/internal/fusion"
	"github.com/teslashibe/go-rangefuse/internal/protocol"
	"github.com/teslashibe/go-rangefuse/internal/vision"
)

// ErrNotConnected is returned when publishing before Connect
var ErrNotConnected = errors.New("mqtt not connected")

// Config configures the publisher
type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	TopicPrefix    string // Topics are <prefix>/fusion and <prefix>/calibration
	QoS            byte
	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "go-rangefuse",
		TopicPrefix:    "rangefuse",
		QoS:            0,
		ConnectTimeout: 5 * time.Second,
	}
}

// Topic joins the prefix and a suffix
func (c Config) Topic(suffix string) string {
	return strings.TrimSuffix(c.TopicPrefix, "/") + "/" + suffix
}

// Publisher wraps a paho client
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client mqtt.Client

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a publisher. Call Connect before publishing.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		})

	return newWithClient(cfg, mqtt.NewClient(opts), logger)
}

func newWithClient(cfg Config, client mqtt.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger,
		client: client,
	}
}

// Connect connects to the broker, waiting at most ConnectTimeout. The client
// keeps retrying in the background if the first attempt times out.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		p.logger.Warn("mqtt connect still pending", "broker", p.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// PublishFusion publishes one frame's fusion result
func (p *Publisher) PublishFusion(dets []vision.Detection, res fusion.Result) error {
	msg, err := protocol.NewFusionMessage(dets, res)
	if err != nil {
		return err
	}
	return p.publish(p.cfg.Topic("fusion"), false, msg)
}

// PublishCalibration publishes the calibration state as a retained message
func (p *Publisher) PublishCalibration(s calibration.State) error {
	msg, err := protocol.NewCalibrationMessage(s)
	if err != nil {
		return err
	}
	return p.publish(p.cfg.Topic("calibration"), true, msg)
}

func (p *Publisher) publish(topic string, retained bool, msg *protocol.Message) error {
	if !p.client.IsConnected() {
		p.failed.Add(1)
		return ErrNotConnected
	}

	payload, err := msg.Bytes()
	if err != nil {
		return err
	}

	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		p.failed.Add(1)
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}

	p.published.Add(1)
	return nil
}

// Connected reports whether the client is connected
func (p *Publisher) Connected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.logger.Info("mqtt publisher closed", "published", p.published.Load())
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	return Stats{
		Broker:    p.cfg.Broker,
		Connected: p.client.IsConnected(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats contains publisher statistics
type Stats struct {
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}
