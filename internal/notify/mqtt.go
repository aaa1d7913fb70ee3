package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/prism/internal/config"
)

// publishFunc matches autopaho.ConnectionManager.Publish.
type publishFunc func(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)

// MQTTPublisher publishes events to an MQTT broker as JSON.
//
// Topics are <prefix>/availability (retained "online"/"offline") and
// <prefix>/approvals/<subject>/<event type>.
type MQTTPublisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger

	mu      sync.RWMutex
	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// NewMQTTPublisher creates a publisher but does not connect. Call
// [MQTTPublisher.Start] to connect.
func NewMQTTPublisher(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and blocks until ctx is cancelled.
// autopaho reconnects in the background; on every (re-)connect the
// availability topic is set to online.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm.Publish, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.publish = cm.Publish
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes offline and disconnects.
func (p *MQTTPublisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm.Publish, "offline")
	return cm.Disconnect(ctx)
}

// Notify implements Notifier. Events published before the connection
// is up are dropped with a debug log.
func (p *MQTTPublisher) Notify(ctx context.Context, ev Event) {
	p.mu.RLock()
	publish := p.publish
	p.mu.RUnlock()
	if publish == nil {
		p.logger.Debug("mqtt not connected, dropping event", "type", ev.Type)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "type", ev.Type, "error", err)
		return
	}

	topic := p.eventTopic(ev)
	if _, err := publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt event publish failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt event published", "topic", topic, "type", ev.Type)
}

func (p *MQTTPublisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID != "" {
		id += "-" + p.instanceID
	}
	return id
}

func (p *MQTTPublisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *MQTTPublisher) eventTopic(ev Event) string {
	return p.cfg.TopicPrefix + "/approvals/" + topicSegment(ev.Subject) + "/" + topicSegment(ev.Type)
}

func (p *MQTTPublisher) publishAvailability(ctx context.Context, publish publishFunc, status string) {
	if _, err := publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// topicSegment strips characters with meaning in MQTT topic filters.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
