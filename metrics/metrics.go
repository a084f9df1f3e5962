package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaymq/relay-go/messaging"
)

// DepthSource reports per-entity stream depths. The broker handle satisfies
// it.
type DepthSource interface {
	Stats(ctx context.Context, entity messaging.Entity) (messaging.EntityStats, error)
}

// Collector exposes watched entities' active and dead-letter depths as
// observable gauges. Depths are read from the broker at collection time, so
// they stay read-only: watching an entity never touches its messages.
type Collector struct {
	source DepthSource

	mu       sync.Mutex
	entities []messaging.Entity

	activeDepth     metric.Int64ObservableGauge
	deadLetterDepth metric.Int64ObservableGauge
	registration    metric.Registration
}

// Option configures the Collector.
type Option func(*collectorOptions)

type collectorOptions struct {
	meter metric.Meter
}

// WithMeter overrides the meter, primarily for tests with a manual reader.
func WithMeter(meter metric.Meter) Option {
	return func(o *collectorOptions) {
		o.meter = meter
	}
}

// NewCollector creates a Collector and registers its gauges.
func NewCollector(source DepthSource, options ...Option) (*Collector, error) {
	opts := collectorOptions{meter: otel.Meter("relay")}
	for _, opt := range options {
		opt(&opts)
	}

	c := &Collector{source: source}

	var err error
	c.activeDepth, err = opts.meter.Int64ObservableGauge(
		"relay.entity.active.depth",
		metric.WithDescription("Messages waiting in the entity's active stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active depth gauge: %w", err)
	}
	c.deadLetterDepth, err = opts.meter.Int64ObservableGauge(
		"relay.entity.deadletter.depth",
		metric.WithDescription("Messages parked in the entity's dead-letter stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dead-letter depth gauge: %w", err)
	}

	c.registration, err = opts.meter.RegisterCallback(c.observe, c.activeDepth, c.deadLetterDepth)
	if err != nil {
		return nil, fmt.Errorf("register depth callback: %w", err)
	}
	return c, nil
}

// Watch adds entities to the collection set. Duplicates are ignored.
func (c *Collector) Watch(entities ...messaging.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entity := range entities {
		if c.watched(entity) {
			continue
		}
		c.entities = append(c.entities, entity)
	}
}

func (c *Collector) watched(entity messaging.Entity) bool {
	for _, e := range c.entities {
		if e == entity {
			return true
		}
	}
	return false
}

func (c *Collector) observe(ctx context.Context, observer metric.Observer) error {
	c.mu.Lock()
	entities := make([]messaging.Entity, len(c.entities))
	copy(entities, c.entities)
	c.mu.Unlock()

	for _, entity := range entities {
		stats, err := c.source.Stats(ctx, entity)
		if err != nil {
			// Entities can disappear between collections; skip, keep the rest.
			continue
		}
		attrs := metric.WithAttributes(attribute.String("entity", entity.String()))
		observer.ObserveInt64(c.activeDepth, int64(stats.ActiveDepth), attrs)
		observer.ObserveInt64(c.deadLetterDepth, int64(stats.DeadLetterDepth), attrs)
	}
	return nil
}

// Close unregisters the gauges.
func (c *Collector) Close() error {
	if c.registration == nil {
		return nil
	}
	return c.registration.Unregister()
}
