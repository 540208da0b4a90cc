package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"
)

// MQTT configuration
type Config struct {
	ServerURL string // MQTT server URL, e.g. mqtt://broker:1883
	ClientID  string // Needs to be unique per broker
	Username  string // MQTT Username to use when connecting to server
	Password  string // MQTT Password to use when connecting to server

	KeepAlive      uint16        // seconds between keepalive packets
	QoS            byte          // qos to utilise when publishing
	ConnectTimeout time.Duration // upper bound for a single Connect call
}

var ErrNotConnected = errors.New("not connected to MQTT broker")

// Client publishes measurements to an MQTT broker.
//
// Reconnecting on the network level is done by autopaho; Connect
// waits until a connection is available and hands out a channel that
// reports when it goes away again.
type Client struct {
	config    Config
	serverURL *url.URL

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	lost      chan error
	connected bool
}

func NewClient(cfg Config) (*Client, error) {
	parsedURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL (%s): %w", cfg.ServerURL, err)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("server URL %q has no host", cfg.ServerURL)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		config:    cfg,
		serverURL: parsedURL,
	}, nil
}

func (c *Client) clientConfig() autopaho.ClientConfig {
	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{c.serverURL},
		KeepAlive:                     c.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msgf("MQTT connection up (%s)", c.serverURL.Host)
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
		},

		OnConnectError: func(err error) {
			log.Error().Msgf("Error whilst attempting connection: %s", err)
		},

		ClientConfig: paho.ClientConfig{
			ClientID: c.config.ClientID,
			OnClientError: func(err error) {
				log.Error().Msgf("Client error: %s", err)
				c.connectionLost(err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
				c.connectionLost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
			},
		},
	}

	if c.config.Username != "" {
		cliCfg.ConnectUsername = c.config.Username
		cliCfg.ConnectPassword = []byte(c.config.Password)
	}
	return cliCfg
}

// connectionLost marks the connection as down and notifies the
// current Connect caller once.
func (c *Client) connectionLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.lost != nil {
		c.lost <- err
		c.lost = nil
	}
}

// Connect waits for the broker connection to be up.
//
// The context of the first call also bounds the lifetime of the
// underlying connection manager.
func (c *Client) Connect(ctx context.Context) (<-chan error, error) {
	c.mu.Lock()
	if c.cm == nil {
		log.Info().Msgf("Connect to MQTT broker %s ...", c.serverURL.Host)
		cm, err := autopaho.NewConnection(ctx, c.clientConfig())
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		c.cm = cm
	}
	cm := c.cm
	lost := make(chan error, 1)
	c.lost = lost
	c.mu.Unlock()

	awaitCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		return nil, fmt.Errorf("MQTT connection to %s not up: %w", c.serverURL.Host, err)
	}
	return lost, nil
}

// IsConnected reports the last known connection state
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish a message to the broker
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}

	msg := &paho.Publish{
		QoS:     c.config.QoS,
		Topic:   topic,
		Payload: payload,
	}
	if _, err := cm.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.connected = false
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	log.Info().Msg("Disconnected from MQTT broker")
	return nil
}
