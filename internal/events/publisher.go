package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/cloudvoice/cloudvoice/internal/config"
)

// DefaultTopicPrefix namespaces all published topics.
const DefaultTopicPrefix = "cloudvoice"

// publishTimeout bounds a single fire-and-forget publish so a stalled
// broker never blocks a conversational turn.
const publishTimeout = 5 * time.Second

// ToolEvent is the payload published after every tool invocation.
type ToolEvent struct {
	ConversationID string    `json:"conversation_id"`
	Tool           string    `json:"tool"`
	Result         string    `json:"result,omitempty"`
	Failed         bool      `json:"failed"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher manages the MQTT connection and pushes tool invocation
// events and availability state to the broker. It consumes the
// in-process [Bus] via [Publisher.Forward]; MQTT is optional, and with
// no broker configured the rest of the system runs unchanged.
type Publisher struct {
	cfg    config.EventsConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to establish the connection.
func New(cfg config.EventsConfig, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the MQTT broker. It returns once the connection
// manager is running; autopaho reconnects in the background for the
// lifetime of ctx.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.TopicPrefix + "-backend",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Forward subscribes to the bus and pushes tool completion events to
// the broker until ctx is cancelled. Run it in its own goroutine.
func (p *Publisher) Forward(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != KindToolDone {
				continue
			}
			p.publishToolEvent(e)
		}
	}
}

// publishToolEvent pushes one tool completion to the broker. Failures
// are logged and swallowed; telemetry never faults a turn.
func (p *Publisher) publishToolEvent(e Event) {
	if p.cm == nil {
		return
	}

	conversationID, _ := e.Data["conversation_id"].(string)
	tool, _ := e.Data["tool"].(string)
	result, _ := e.Data["result"].(string)
	succeeded, _ := e.Data["ok"].(bool)
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	payload, err := json.Marshal(ToolEvent{
		ConversationID: conversationID,
		Tool:           tool,
		Result:         result,
		Failed:         !succeeded,
		Timestamp:      ts.UTC(),
	})
	if err != nil {
		p.logger.Error("mqtt marshal tool event", "tool", tool, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.toolTopic(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt tool event publish failed", "tool", tool, "error", err)
		return
	}
	p.logger.Debug("mqtt tool event published", "tool", tool, "ok", succeeded)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) toolTopic() string {
	return p.baseTopic() + "/events/tool"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}
