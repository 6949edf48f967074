package iot

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/aiclab/persona-agent/internal/config"
)

// Commander publishes device commands. Satisfied by *Bridge; tests
// substitute a recorder.
type Commander interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bridge manages the MQTT broker connection used to reach smart-home
// devices. Devices (or a local relay) subscribe to the command topics
// and apply the requested switch state.
type Bridge struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewBridge creates a Bridge but does not connect. Call [Bridge.Start]
// to establish the connection.
func NewBridge(cfg config.MQTTConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger.With("component", "mqtt")}
}

// Start connects to the broker. The connection is managed in the
// background until ctx is cancelled; publish failures surface on the
// individual Publish calls.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.cfg.TopicPrefix + "/bridge/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "aicd-" + b.cfg.TopicPrefix,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// Publish sends a command payload at QoS 1.
func (b *Bridge) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}
