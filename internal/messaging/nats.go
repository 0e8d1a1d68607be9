// Package messaging wraps the NATS connection shared by the chat services:
// cross-instance delivery fan-out and the notification event bus.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects used across chat services.
const (
	SubjectDeliver      = "chat.deliver"        // delivery envelopes, every instance subscribes
	SubjectTakeover     = "chat.takeover"       // connects, so other instances drop older sessions
	SubjectNotification = "notification.create" // notification events, consumed by the notifier
)

// NATSClient wraps the NATS connection with tracked subscriptions.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. It returns an error if the initial
// connection fails; later disconnects are retried by the client.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{conn: nc, logger: logger, subs: make(map[string]*nats.Subscription)}, nil
}

func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers handler for subject. Every subscriber receives every
// message.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe registers handler in a queue group, so each message is
// handled by one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// Unsubscribe removes the subscription on subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("drain connection", zap.Error(err))
	}
}
