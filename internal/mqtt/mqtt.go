package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 15 * time.Second
	retryInterval  = 2 * time.Second
	keepAlive      = 30 * time.Second
	pingTimeout    = 10 * time.Second
)

// Client wraps a paho connection with the small surface the service needs:
// a QoS-1 subscribe feeding the trigger manager and a JSON publish for
// execution status announcements.
type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

// normalizeBrokerURL maps mqtt:// URLs onto the tcp:// scheme paho expects
// and falls back to the compose-network broker when unset.
func normalizeBrokerURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		url = "mqtt://mosquitto:1883"
	}
	if rest, ok := strings.CutPrefix(url, "mqtt://"); ok {
		url = "tcp://" + rest
	}
	return url
}

func Connect(brokerURL, clientID string) (*Client, error) {
	if strings.TrimSpace(clientID) == "" {
		clientID = "workflow-service-" + time.Now().Format("150405.000")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(normalizeBrokerURL(brokerURL))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retryInterval)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(pingTimeout)
	// The broker lives on the internal network; certificate checks are off
	// until a TLS listener is configured.
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "client_id", clientID)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(connectTimeout); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

// PublishJSON marshals v and publishes it at QoS 1.
func (c *Client) PublishJSON(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tok := c.client.Publish(topic, 1, false, b)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
