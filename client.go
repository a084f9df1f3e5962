// Package relay is the entry point for the relay messaging client: reliable
// at-least-once delivery over queues and topic subscriptions, lease-based
// consumption, and dead-letter recovery.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/relaymq/relay-go/config"
	"github.com/relaymq/relay-go/messaging"
	"github.com/relaymq/relay-go/metrics"
	amqptransport "github.com/relaymq/relay-go/transports/amqp"
)

// Client bundles a broker handle with the configuration it was provisioned
// from. Senders, receivers, and replay engines created through the client
// share the connection and logger.
type Client struct {
	broker messaging.Broker
	cfg    *config.Config
	logger *slog.Logger
}

// clientConfig holds construction options.
type clientConfig struct {
	logger *slog.Logger
	broker messaging.Broker
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithBroker injects an already-connected broker handle instead of dialing
// AMQP. Used with the in-memory transport in tests.
func WithBroker(broker messaging.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

// NewClient connects to the configured broker and provisions every entity
// the configuration declares.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	ccfg := &clientConfig{}
	for _, opt := range options {
		opt(ccfg)
	}
	if ccfg.logger == nil {
		ccfg.logger = NewLogger(cfg.Log)
	}

	broker := ccfg.broker
	if broker == nil {
		var err error
		broker, err = amqptransport.NewTransport(ctx, cfg.Broker.URL,
			amqptransport.WithLogger(ccfg.logger),
			amqptransport.WithReconnect(cfg.Broker.ReconnectDelay.Std(), cfg.Broker.MaxRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
	}

	if err := cfg.Provision(ctx, broker); err != nil {
		_ = broker.Close()
		return nil, err
	}

	return &Client{
		broker: broker,
		cfg:    cfg,
		logger: ccfg.logger,
	}, nil
}

// NewLogger builds a slog logger from the log configuration.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Broker returns the underlying broker handle.
func (c *Client) Broker() messaging.Broker {
	return c.broker
}

// Sender returns a sender sharing the client's connection and logger.
func (c *Client) Sender(options ...messaging.SenderOption) *messaging.Sender {
	opts := append([]messaging.SenderOption{messaging.WithSenderLogger(c.logger)}, options...)
	return messaging.NewSender(c.broker, opts...)
}

// Receiver returns a receiver bound to the given entity.
func (c *Client) Receiver(entity messaging.Entity, options ...messaging.ReceiverOption) (*messaging.Receiver, error) {
	opts := append([]messaging.ReceiverOption{messaging.WithReceiverLogger(c.logger)}, options...)
	return messaging.NewReceiver(c.broker, messaging.ReceiverConfig{Entity: entity}, opts...)
}

// ReplayEngine returns a replay engine for the given dead-letter source.
// Replay defaults (batch size, wait, ceiling) come from the configuration
// unless the passed config overrides them.
func (c *Client) ReplayEngine(rc messaging.ReplayConfig, options ...messaging.ReplayOption) (*messaging.ReplayEngine, error) {
	if rc.BatchSize <= 0 {
		rc.BatchSize = c.cfg.Replay.BatchSize
	}
	if rc.MaxWait <= 0 {
		rc.MaxWait = c.cfg.Replay.MaxWait.Std()
	}
	if rc.MaxReplayCount == 0 && c.cfg.Replay.MaxReplayCount > 0 && rc.Sink != nil {
		rc.MaxReplayCount = c.cfg.Replay.MaxReplayCount
	}
	opts := append([]messaging.ReplayOption{messaging.WithReplayLogger(c.logger)}, options...)
	return messaging.NewReplayEngine(c.broker, rc, opts...)
}

// Metrics creates a depth collector watching every configured entity.
func (c *Client) Metrics(options ...metrics.Option) (*metrics.Collector, error) {
	collector, err := metrics.NewCollector(c.broker, options...)
	if err != nil {
		return nil, err
	}
	collector.Watch(c.Entities()...)
	return collector, nil
}

// Entities lists every entity the configuration declares.
func (c *Client) Entities() []messaging.Entity {
	var entities []messaging.Entity
	for _, q := range c.cfg.Queues {
		entities = append(entities, messaging.Queue(q.Name))
	}
	for _, t := range c.cfg.Topics {
		for _, sub := range t.Subscriptions {
			entities = append(entities, messaging.Subscription(t.Name, sub))
		}
	}
	return entities
}

// Close releases the broker handle.
func (c *Client) Close() error {
	return c.broker.Close()
}
