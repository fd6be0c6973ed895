package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// WillTopic, when set, gets WillPayload (retained) if the connection
	// drops uncleanly.
	WillTopic   string
	WillPayload string
}

// Publisher is the part of the client the sinks use.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

type Client struct {
	raw     mqtt.Client
	timeout time.Duration
}

func New(opts Options) (*Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.WillTopic != "" {
		o.SetWill(opts.WillTopic, opts.WillPayload, 1, true)
	}
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: timed out", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.BrokerURL, err)
	}
	return &Client{raw: c, timeout: 5 * time.Second}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

func (c *Client) Connected() bool {
	return c.raw.IsConnectionOpen()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}
