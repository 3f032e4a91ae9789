package trigger

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/factotum-agent/factotum/internal/config"
)

// MQTTTransport subscribes to trigger events published on an MQTT
// topic. Reconnection is delegated to autopaho's connection manager,
// so Receive only fails when the context ends.
type MQTTTransport struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	frames chan []byte

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// NewMQTTTransport creates the transport without connecting.
func NewMQTTTransport(cfg config.MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{
		cfg:    cfg,
		logger: logger.With("transport", "mqtt"),
		frames: make(chan []byte, 64),
	}
}

// Connect establishes the broker connection and subscribes to the
// trigger topic. Subsequent broker drops are handled by autopaho; the
// subscription is re-established on every (re-)connect.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	already := t.cm != nil
	t.mu.Unlock()
	if already {
		return nil
	}

	brokerURL, err := url.Parse(t.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "factotum"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: t.cfg.Username,
		ConnectPassword: []byte(t.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("mqtt connected to broker", "broker", t.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: t.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				t.logger.Warn("mqtt subscribe failed", "topic", t.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					select {
					case t.frames <- pr.Packet.Payload:
					default:
						t.logger.Warn("mqtt frame dropped, receive buffer full",
							"topic", pr.Packet.Topic)
					}
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; treat the initial
		// timeout as non-fatal.
		t.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	t.mu.Lock()
	t.cm = cm
	t.mu.Unlock()
	return nil
}

// Receive blocks for the next published frame or until ctx ends.
func (t *MQTTTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-t.frames:
		return data, nil
	}
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	cm := t.cm
	t.cm = nil
	t.mu.Unlock()
	if cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cm.Disconnect(ctx)
}
