// Package chirpstack connects the parking core to a ChirpStack network
// server over MQTT: uplink events flow in from the application topic
// tree, downlink commands flow out to per-device command topics.
package chirpstack

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	"github.com/cpaumelle/smart-parking-platform-sub000/pkg/cache"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
)

const (
	uplinkTopic = "application/+/device/+/event/up"

	appCacheSize = 1024

	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	keepAlive        = 30 * time.Second
	pingTimeout      = 10 * time.Second
	reconnectInitial = 5 * time.Second
)

// Config holds the MQTT connection settings. ApplicationID is the
// default ChirpStack application for downlinks; a display can override
// it in its registration.
type Config struct {
	BrokerURL     string `yaml:"broker_url"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	QoS           byte   `yaml:"qos"`
	ApplicationID string `yaml:"application_id"`
}

// UplinkHandler consumes one raw uplink event payload.
type UplinkHandler func(ctx context.Context, payload []byte) error

// DisplayDirectory resolves a device EUI to its registration, used to
// pick the ChirpStack application a downlink is published under.
type DisplayDirectory interface {
	GetDisplay(ctx context.Context, deviceEUI string) (*storage.Display, error)
}

// Client is the MQTT bridge to ChirpStack.
type Client struct {
	conn      mqtt.Client
	cfg       Config
	handler   UplinkHandler
	directory DisplayDirectory
	appCache  cache.Cache[string]
	logger    *slog.Logger
	healthMon *health.Monitor
}

// Option configures a Client.
type Option func(*Client)

// WithHealthMonitor reports broker connectivity into the health monitor.
func WithHealthMonitor(hm *health.Monitor) Option {
	return func(c *Client) { c.healthMon = hm }
}

// WithDisplayDirectory resolves per-display application overrides.
func WithDisplayDirectory(dir DisplayDirectory) Option {
	return func(c *Client) { c.directory = dir }
}

// NewClient builds the MQTT client. Connect must be called before use.
func NewClient(cfg Config, handler UplinkHandler, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "chirpstack"),
	}
	for _, opt := range opts {
		opt(c)
	}

	appCache, err := cache.NewLRU[string](appCacheSize)
	if err == nil {
		c.appCache = appCache
	} else {
		c.logger.Warn("application cache disabled", "error", err)
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInitial)

	if cfg.Username != "" {
		mqttOpts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		mqttOpts.SetPassword(cfg.Password)
	}

	mqttOpts.OnConnect = func(conn mqtt.Client) {
		c.logger.Info("connected to mqtt broker", "broker", cfg.BrokerURL)
		c.reportHealthy("connected")
		if c.handler == nil {
			return
		}
		token := conn.Subscribe(uplinkTopic, cfg.QoS, c.onUplink)
		if token.Wait() && token.Error() != nil {
			c.logger.Error("uplink subscription failed", "error", token.Error())
			c.reportUnhealthy("subscription failed")
			return
		}
		c.logger.Info("subscribed to uplink events", "topic", uplinkTopic)
	}
	mqttOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
		c.reportUnhealthy("connection lost")
	}

	c.conn = mqtt.NewClient(mqttOpts)
	return c
}

// Connect establishes the broker connection, blocking up to the
// connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := c.conn.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tokenDone(token):
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransient(err, "chirpstack", "Connect", "connecting to broker failed")
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (c *Client) Close() {
	c.conn.Disconnect(uint(publishTimeout.Milliseconds()))
}

// Send implements downlink.Sender by publishing the command JSON to the
// device's command topic. ChirpStack owns the downlink queue past this
// point; the returned id is the local correlation id.
func (c *Client) Send(ctx context.Context, deviceEUI string, payload []byte, fPort int, confirmed bool) (string, error) {
	appID, err := c.applicationFor(ctx, deviceEUI)
	if err != nil {
		return "", err
	}

	body, err := downlinkJSON(deviceEUI, payload, fPort, confirmed)
	if err != nil {
		return "", err
	}

	topic := fmt.Sprintf("application/%s/device/%s/command/down", appID, deviceEUI)
	token := c.conn.Publish(topic, c.cfg.QoS, false, body)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-tokenDone(token):
	}
	if err := token.Error(); err != nil {
		return "", errors.WrapTransient(err, "chirpstack", "Send", "publishing downlink failed")
	}

	c.logger.Debug("downlink published",
		"device_eui", deviceEUI,
		"f_port", fPort,
		"confirmed", confirmed)
	return topic, nil
}

func (c *Client) onUplink(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.handler(ctx, msg.Payload()); err != nil {
		c.logger.Error("uplink handling failed",
			"topic", msg.Topic(),
			"error", err)
	}
}

func (c *Client) reportHealthy(message string) {
	if c.healthMon != nil {
		c.healthMon.UpdateHealthy("mqtt", message)
	}
}

func (c *Client) reportUnhealthy(message string) {
	if c.healthMon != nil {
		c.healthMon.UpdateUnhealthy("mqtt", message)
	}
}

// applicationFor picks the ChirpStack application a downlink publishes
// under: the display's registered application if set, the configured
// default otherwise. Resolutions are held in a bounded LRU so repeated
// downlinks to the same display skip the directory lookup.
func (c *Client) applicationFor(ctx context.Context, deviceEUI string) (string, error) {
	if c.appCache != nil {
		if appID, ok := c.appCache.Get(deviceEUI); ok {
			return appID, nil
		}
	}

	appID := c.cfg.ApplicationID
	if c.directory != nil {
		disp, err := c.directory.GetDisplay(ctx, deviceEUI)
		if err == nil && disp.ApplicationID != "" {
			appID = disp.ApplicationID
		}
	}
	if appID == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: no application id for device %s", errors.ErrInvalidData, deviceEUI),
			"chirpstack", "Send", "resolving application failed")
	}

	if c.appCache != nil {
		if _, err := c.appCache.Set(deviceEUI, appID); err != nil {
			c.logger.Warn("application cache set failed", "device_eui", deviceEUI, "error", err)
		}
	}
	return appID, nil
}

// downlinkEnqueue is the ChirpStack MQTT command envelope.
type downlinkEnqueue struct {
	DevEUI    string `json:"devEui"`
	Confirmed bool   `json:"confirmed"`
	FPort     int    `json:"fPort"`
	Data      string `json:"data"`
}

func downlinkJSON(deviceEUI string, payload []byte, fPort int, confirmed bool) ([]byte, error) {
	body, err := json.Marshal(downlinkEnqueue{
		DevEUI:    deviceEUI,
		Confirmed: confirmed,
		FPort:     fPort,
		Data:      base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "chirpstack", "Send", "encoding downlink failed")
	}
	return body, nil
}

func tokenDone(token mqtt.Token) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	return done
}
