package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/relaymq/relay-go/contracts"
)

// PermanentFailureSink receives messages whose replay-count ceiling was
// reached. They are removed from the dead-letter stream only after the sink
// accepted them; a failing sink never loses messages.
type PermanentFailureSink interface {
	Store(ctx context.Context, source Entity, env *contracts.Envelope) error
}

// InMemorySink collects permanently failed messages for inspection.
type InMemorySink struct {
	mu       sync.Mutex
	messages []*contracts.Envelope
}

// NewInMemorySink creates an empty sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

// Store implements PermanentFailureSink.
func (s *InMemorySink) Store(_ context.Context, _ Entity, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, env.Clone())
	return nil
}

// Messages returns the stored envelopes.
func (s *InMemorySink) Messages() []*contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*contracts.Envelope(nil), s.messages...)
}

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	// Attempted counts dead-lettered messages drained this pass.
	Attempted int
	// Succeeded counts messages resubmitted to the active stream.
	Succeeded int
	// Failed counts messages whose resubmission failed; they remain in the
	// dead-letter stream for a later pass.
	Failed int
	// Exhausted counts messages past the replay ceiling, routed to the
	// permanent-failure sink.
	Exhausted int
}

// ReplayConfig configures a replay engine.
type ReplayConfig struct {
	// Source is the entity whose dead-letter sub-stream is drained.
	Source Entity
	// Destination overrides where recovered messages are resubmitted.
	// Defaults to the source entity name.
	Destination string
	// BatchSize bounds how many messages one Replay call drains.
	BatchSize int
	// MaxWait bounds the dead-letter receive.
	MaxWait time.Duration
	// MaxReplayCount is the replay ceiling; zero disables the guard.
	// Naive unbounded replay can re-fail and re-dead-letter forever, so
	// production configurations should set it together with Sink.
	MaxReplayCount int
	// Sink receives messages past the ceiling. Required when
	// MaxReplayCount is set.
	Sink PermanentFailureSink
}

// ReplayEngine drains an entity's dead-letter sub-stream and republishes
// messages to the live stream. A replay read is itself a locked receive:
// resubmission success completes the dead-letter lease, failure abandons it.
type ReplayEngine struct {
	broker Broker
	sender *Sender
	cfg    ReplayConfig
	logger *slog.Logger
}

// ReplayOption configures the ReplayEngine.
type ReplayOption func(*ReplayEngine)

// WithReplayLogger sets the logger.
func WithReplayLogger(logger *slog.Logger) ReplayOption {
	return func(e *ReplayEngine) {
		e.logger = logger
	}
}

// WithReplaySender overrides the sender used for resubmission.
func WithReplaySender(sender *Sender) ReplayOption {
	return func(e *ReplayEngine) {
		e.sender = sender
	}
}

// NewReplayEngine creates a replay engine for the configured source.
func NewReplayEngine(broker Broker, cfg ReplayConfig, options ...ReplayOption) (*ReplayEngine, error) {
	if err := cfg.Source.Validate(); err != nil {
		return nil, fmt.Errorf("replay config: %w", err)
	}
	if cfg.MaxReplayCount > 0 && cfg.Sink == nil {
		return nil, fmt.Errorf("replay config: MaxReplayCount requires a permanent-failure sink")
	}
	if cfg.Destination == "" {
		// Recovered messages go back to the stream they failed on. For a
		// subscription that means direct injection, not topic fan-out:
		// sibling subscriptions already saw their own copies.
		cfg.Destination = cfg.Source.Name
		if cfg.Source.Subscription != "" {
			cfg.Destination = cfg.Source.Name + "/" + cfg.Source.Subscription
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}

	e := &ReplayEngine{
		broker: broker,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	if e.sender == nil {
		e.sender = NewSender(broker, WithSenderLogger(e.logger))
	}
	return e, nil
}

// Replay drains up to BatchSize dead-lettered messages and resubmits each as
// a fresh envelope preserving body and attributes, with the replay count
// incremented. Failures are recorded in the report, never silently dropped.
func (e *ReplayEngine) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	source := e.cfg.Source.AsDeadLetter()
	batch, err := e.broker.ReceiveBatch(ctx, source, e.cfg.BatchSize, e.cfg.MaxWait)
	if err != nil {
		return report, fmt.Errorf("drain %s: %w", source, err)
	}

	for _, env := range batch {
		report.Attempted++

		if e.cfg.MaxReplayCount > 0 && env.ReplayCount() >= e.cfg.MaxReplayCount {
			if err := e.routeExhausted(ctx, env); err != nil {
				report.Failed++
				continue
			}
			report.Exhausted++
			continue
		}

		if err := e.resubmit(ctx, env); err != nil {
			e.logger.Error("resubmission failed, leaving message dead-lettered",
				"source", source.String(),
				"messageId", env.ID,
				"error", err,
			)
			e.abandonQuietly(ctx, env)
			report.Failed++
			continue
		}

		if err := e.broker.Complete(ctx, env.LockToken); err != nil {
			if errors.Is(err, contracts.ErrLockLost) {
				// Resubmitted but the dead-letter lease expired under us;
				// the original may be replayed again. At-least-once.
				e.logger.Warn("dead-letter lease lost after resubmission",
					"source", source.String(),
					"messageId", env.ID,
				)
				report.Succeeded++
				continue
			}
			report.Failed++
			continue
		}
		report.Succeeded++
	}

	e.logger.Info("replay pass finished",
		"source", source.String(),
		"destination", e.cfg.Destination,
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"exhausted", report.Exhausted,
	)
	return report, nil
}

// resubmit publishes a fresh copy of env to the destination with the replay
// bookkeeping attributes updated.
func (e *ReplayEngine) resubmit(ctx context.Context, env *contracts.Envelope) error {
	attrs := make(map[string]string, len(env.Attributes)+2)
	for k, v := range env.Attributes {
		attrs[k] = v
	}
	// Dead-letter diagnosis belongs to the failed copy, not the fresh one.
	delete(attrs, contracts.AttrDeadLetterReason)
	delete(attrs, contracts.AttrDeadLetterDescription)
	attrs[contracts.AttrReplayCount] = strconv.Itoa(env.ReplayCount() + 1)
	attrs[contracts.AttrOriginEntity] = e.cfg.Source.String()

	_, err := e.sender.Send(ctx, e.cfg.Destination, env.Body, attrs)
	return err
}

// routeExhausted hands a ceiling-breached message to the sink and removes it
// from the dead-letter stream once the sink accepted it.
func (e *ReplayEngine) routeExhausted(ctx context.Context, env *contracts.Envelope) error {
	e.logger.Warn("replay ceiling reached, routing to permanent-failure sink",
		"source", e.cfg.Source.String(),
		"messageId", env.ID,
		"replayCount", env.ReplayCount(),
		"ceiling", e.cfg.MaxReplayCount,
	)
	if err := e.cfg.Sink.Store(ctx, e.cfg.Source, env); err != nil {
		e.abandonQuietly(ctx, env)
		return fmt.Errorf("%w: sink rejected message %s: %v", contracts.ErrReplayExhausted, env.ID, err)
	}
	if err := e.broker.Complete(ctx, env.LockToken); err != nil && !errors.Is(err, contracts.ErrLockLost) {
		return err
	}
	return nil
}

func (e *ReplayEngine) abandonQuietly(ctx context.Context, env *contracts.Envelope) {
	if err := e.broker.Abandon(ctx, env.LockToken); err != nil && !errors.Is(err, contracts.ErrLockLost) {
		e.logger.Error("abandon failed",
			"messageId", env.ID,
			"error", err,
		)
	}
}
