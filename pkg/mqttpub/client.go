// Package mqttpub publishes delivered predictions and risk escalations
// to an MQTT broker for downstream notification collaborators
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/flowsense/cyclecore/pkg/conditions"
	"github.com/flowsense/cyclecore/pkg/config"
	"github.com/flowsense/cyclecore/pkg/logx"
	"github.com/flowsense/cyclecore/pkg/types"
)

// Client provides MQTT publishing for cycled
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      config.MQTT
	connected   bool
	lastPublish time.Time
}

// NewClient creates a new MQTT client
func NewClient(cfg config.MQTT, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt publisher connected",
		"broker", c.config.Broker,
		"port", c.config.Port,
	)
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected {
		c.client.Disconnect(250)
		c.connected = false
		c.logger.Info("mqtt publisher disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected = true
	c.logger.Info("mqtt connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected = false
	c.logger.Error("mqtt connection lost", "error", err)
}

// PublishPrediction publishes one delivered prediction
func (c *Client) PublishPrediction(p *types.PredictionResult) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/predictions/%s", c.config.TopicPrefix, p.Type)
	payload := map[string]interface{}{
		"timestamp":  time.Now().UTC(),
		"prediction": p,
	}
	return c.publishJSON(topic, payload)
}

// PublishRiskEscalation publishes a condition assessment at high tier or
// above so notification collaborators can alert the user
func (c *Client) PublishRiskEscalation(userID string, a conditions.Assessment) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/risk/%s", c.config.TopicPrefix, a.Condition)
	payload := map[string]interface{}{
		"timestamp":  time.Now().UTC(),
		"user_id":    userID,
		"condition":  a.Condition,
		"tier":       a.Tier.String(),
		"score":      a.Score,
		"streak":     a.Streak,
	}
	return c.publishJSON(topic, payload)
}

// PublishStatus publishes daemon status
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled || !c.connected {
		return nil
	}

	topic := fmt.Sprintf("%s/status", c.config.TopicPrefix)
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"status":    status,
	}
	return c.publishJSON(topic, payload)
}

// publishJSON publishes a JSON payload to an MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.lastPublish = time.Now()
	c.logger.Debug("mqtt message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected && c.client != nil && c.client.IsConnected()
}
