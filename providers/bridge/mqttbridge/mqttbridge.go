package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/leofalp/agentcanvas/core/stream"
)

const (
	DefaultBrokerURL      = "tcp://localhost:1883"
	DefaultClientID       = "agentcanvas"
	DefaultTopicPrefix    = "agentcanvas/executions"
	DefaultQoS            = byte(1)
	DefaultPublishTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrPublishTimeout = errors.New("mqttbridge: publish timed out")
	ErrConnectTimeout = errors.New("mqttbridge: connect timed out")
)

// Publisher is the part of paho.Client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTopicPrefix replaces "agentcanvas/executions".
func WithTopicPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix = strings.Trim(prefix, "/"); prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithQoS sets the MQTT quality of service (0, 1 or 2).
func WithQoS(qos byte) Option {
	return func(b *Bridge) {
		if qos <= 2 {
			b.qos = qos
		}
	}
}

// WithPublishTimeout bounds the wait for the broker acknowledgement.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithoutTokens drops token events, leaving status and final events. Token
// streams are chatty and most MQTT consumers only track node status.
func WithoutTokens() Option {
	return func(b *Bridge) { b.skipTokens = true }
}

// Bridge publishes stream events to MQTT.
type Bridge struct {
	publisher  Publisher
	prefix     string
	qos        byte
	timeout    time.Duration
	skipTokens bool
}

var _ stream.Sink = (*Bridge)(nil)

// New returns a bridge publishing through publisher.
func New(publisher Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		publisher: publisher,
		prefix:    DefaultTopicPrefix,
		qos:       DefaultQoS,
		timeout:   DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topic returns the topic events of executionID are published on.
func (b *Bridge) Topic(executionID string) string {
	return b.prefix + "/" + executionID + "/events"
}

// Deliver publishes event and waits for the broker acknowledgement, the
// publish timeout or ctx, whichever comes first.
func (b *Bridge) Deliver(ctx context.Context, event stream.Event) error {
	if b.skipTokens && event.Type == stream.EventToken {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("mqttbridge: encode event %d: %w", event.Seq, err)
	}

	token := b.publisher.Publish(b.Topic(event.ExecutionID), b.qos, event.Terminal(), payload)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqttbridge: publish event %d: %w", event.Seq, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: event %d of %s", ErrPublishTimeout, event.Seq, event.ExecutionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientOptions configures Connect.
type ClientOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// Connect creates a paho client that reconnects on its own and waits for
// the first connection.
func Connect(options ClientOptions) (paho.Client, error) {
	if options.BrokerURL == "" {
		options.BrokerURL = DefaultBrokerURL
	}
	if options.ClientID == "" {
		options.ClientID = DefaultClientID
	}
	clientOptions := paho.NewClientOptions().
		AddBroker(options.BrokerURL).
		SetClientID(options.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if options.Username != "" {
		clientOptions.SetUsername(options.Username)
		clientOptions.SetPassword(options.Password)
	}

	client := paho.NewClient(clientOptions)
	token := client.Connect()
	if !token.WaitTimeout(DefaultConnectTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, options.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttbridge: connect %s: %w", options.BrokerURL, err)
	}
	return client, nil
}
