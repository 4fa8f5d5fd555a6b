// Package broker wraps paho.mqtt.golang as the live subscriber client: it
// connects to the configured broker, subscribes to the configured topics at
// QoS 0, and invokes a callback per message on whatever goroutine the paho
// client delivers it on (spec §4.3, §5, §6 Broker subscription).
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jarv/meshmap/internal/config"
)

// Handler is invoked once per received message, on the paho delivery
// goroutine. Implementations must not block beyond the decoder timeout and
// must never mutate shared state directly (spec §4.3, §5).
type Handler func(topic string, payload []byte)

// Client owns the paho.mqtt.golang connection.
type Client struct {
	opts   *pahomqtt.ClientOptions
	client pahomqtt.Client
	topics []string
}

// New builds a Client from the broker section of the configuration. It does
// not connect; call Start for that.
func New(cfg config.BrokerConfig, handler Handler) (*Client, error) {
	scheme := "tcp"
	if cfg.Transport == "websockets" {
		scheme = "ws"
		if cfg.TLS {
			scheme = "wss"
		}
	} else if cfg.TLS {
		scheme = "ssl"
	}

	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	if cfg.Transport == "websockets" {
		path := cfg.WSPath
		if path == "" {
			path = "/mqtt"
		}
		addr = fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, path)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure} //nolint:gosec // operator opt-in, spec §6
		if cfg.CACert != "" {
			pem, err := os.ReadFile(cfg.CACert)
			if err != nil {
				return nil, fmt.Errorf("broker: reading ca_cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("broker: ca_cert contains no usable certificates")
			}
			tlsCfg.RootCAs = pool
		}
		opts.SetTLSConfig(tlsCfg)
	}

	c := &Client{opts: opts, topics: cfg.Topics}

	opts.SetOnConnectHandler(func(cl pahomqtt.Client) {
		slog.Info("broker connected", "addr", addr)
		for _, topic := range c.topics {
			topic := topic
			if tok := cl.Subscribe(topic, 0, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				handler(msg.Topic(), msg.Payload())
			}); tok.Wait() && tok.Error() != nil {
				slog.Error("broker subscribe failed", "topic", topic, "err", tok.Error())
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		slog.Warn("broker connection lost", "err", err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		slog.Info("broker reconnecting")
	})

	c.client = pahomqtt.NewClient(opts)
	return c, nil
}

// Start connects to the broker. The subscribe-on-connect handler registered
// in New re-subscribes on every reconnect.
func (c *Client) Start() error {
	tok := c.client.Connect()
	tok.Wait()
	return tok.Error()
}

// Stop disconnects the client, waiting up to 250ms for in-flight acks.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
