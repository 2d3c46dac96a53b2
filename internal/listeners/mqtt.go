package listeners

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/aegis/internal/agent"
)

// mqttChannel is the synthetic chat channel MQTT-triggered wakes are
// enqueued under.
const mqttChannel = "mqtt"

// MQTTConfig configures the MQTT external listener: a second,
// non-chat wake trigger — a sensor/automation event that enqueues a
// synthetic chat message and can interrupt adaptive sleep exactly
// like an inbound chat message.
type MQTTConfig struct {
	Broker        string   // e.g. "tcp://localhost:1883" or "mqtts://host:8883"
	ClientID      string
	Username      string
	Password      string
	Subscriptions []string // topic filters to subscribe to
}

// MQTTListener subscribes to configured topics over MQTT (via
// eclipse/paho.golang's autopaho reconnecting client, grounded on
// internal/mqtt/publisher.go's ClientConfig/OnConnectionUp/
// AddOnPublishReceived construction) and enqueues a synthetic chat
// message per received publish, describing the topic and payload
// rather than reasoning about them itself — that is the planner's job
// once the message reaches the working context.
type MQTTListener struct {
	cfg    MQTTConfig
	queue  ChatEnqueuer
	logger *slog.Logger

	cm *autopaho.ConnectionManager
}

// NewMQTTListener constructs an MQTTListener.
func NewMQTTListener(cfg MQTTConfig, queue ChatEnqueuer, logger *slog.Logger) *MQTTListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTListener{cfg: cfg, queue: queue, logger: logger}
}

// Start connects to the broker and subscribes to the configured
// topics, blocking until the initial connection attempt resolves (or
// times out — autopaho keeps retrying in the background regardless)
// and then returning immediately; the listener continues receiving
// messages on autopaho's own goroutines until ctx is cancelled.
func (l *MQTTListener) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(l.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	clientID := l.cfg.ClientID
	if clientID == "" {
		clientID = "aegis-listener"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: l.cfg.Username,
		ConnectPassword: []byte(l.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			l.logger.Info("mqtt listener connected", "broker", l.cfg.Broker)
			l.subscribe(cm)
		},
		OnConnectError: func(err error) {
			l.logger.Warn("mqtt listener connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	l.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		l.handle(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		l.logger.Warn("mqtt listener initial connection timed out, retrying in background", "error", err)
	}

	return nil
}

func (l *MQTTListener) subscribe(cm *autopaho.ConnectionManager) {
	if len(l.cfg.Subscriptions) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(l.cfg.Subscriptions))
	for _, topic := range l.cfg.Subscriptions {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		l.logger.Warn("mqtt listener subscribe failed", "error", err)
	}
}

func (l *MQTTListener) handle(topic string, payload []byte) {
	l.queue.Enqueue(agent.IncomingChat{
		Channel:    mqttChannel,
		Role:       "creator",
		Content:    fmt.Sprintf("MQTT event on %s:\n\n%s", topic, payload),
		ReceivedAt: time.Now(),
	})
}

// Stop disconnects from the broker.
func (l *MQTTListener) Stop(ctx context.Context) error {
	if l.cm == nil {
		return nil
	}
	return l.cm.Disconnect(ctx)
}
