package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/relaymq/relay-go/contracts"
)

// connectionManager maintains the AMQP connection and reconnects with
// backoff after broker-side closes. Once the retry ceiling is exceeded the
// manager gives up; subsequent operations fail with a ConnectionError that
// the caller surfaces at the process boundary.
type connectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp091.Connection
	isConnected bool
	notifyClose chan *amqp091.Error
	done        chan struct{}
	closeOnce   sync.Once
}

func newConnectionManager(rawURL string, reconnectDelay time.Duration, maxRetries int, logger *slog.Logger) *connectionManager {
	return &connectionManager{
		url:            rawURL,
		reconnectDelay: reconnectDelay,
		maxRetries:     maxRetries,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

// connect establishes the initial connection.
func (cm *connectionManager) connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.isConnected {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	connChan := make(chan *amqp091.Connection, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := amqp091.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		cm.adoptLocked(conn)
		cm.logger.Info("connected to broker", "url", sanitizeURL(cm.url))
		return nil
	case err := <-errChan:
		return &contracts.ConnectionError{Op: "connect", Attempts: 1, Err: err}
	case <-connCtx.Done():
		return &contracts.ConnectionError{Op: "connect", Attempts: 1, Err: connCtx.Err()}
	}
}

func (cm *connectionManager) adoptLocked(conn *amqp091.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = make(chan *amqp091.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
	go cm.handleReconnect(cm.notifyClose)
}

// channel opens a fresh channel on the live connection.
func (cm *connectionManager) channel() (*amqp091.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	connected := cm.isConnected
	cm.mu.RUnlock()

	if !connected || conn == nil || conn.IsClosed() {
		return nil, &contracts.ConnectionError{Op: "channel", Err: fmt.Errorf("not connected")}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "channel", Err: err}
	}
	return ch, nil
}

func (cm *connectionManager) handleReconnect(notify chan *amqp091.Error) {
	select {
	case amqpErr := <-notify:
		if amqpErr == nil {
			// Clean shutdown.
			return
		}
		cm.logger.Error("connection lost", "error", amqpErr)
		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()
		cm.reconnect()
	case <-cm.done:
	}
}

func (cm *connectionManager) reconnect() {
	for attempt := 1; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}
		if cm.maxRetries > 0 && attempt > cm.maxRetries {
			cm.logger.Error("reconnect attempts exhausted", "attempts", attempt-1)
			return
		}

		delay := cm.reconnectDelay * time.Duration(attempt)
		cm.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return
		}

		conn, err := amqp091.Dial(cm.url)
		if err != nil {
			cm.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		cm.mu.Lock()
		cm.adoptLocked(conn)
		cm.mu.Unlock()
		cm.logger.Info("reconnected", "attempt", attempt)
		return
	}
}

func (cm *connectionManager) close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)
		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.isConnected = false
		if cm.conn != nil {
			err = cm.conn.Close()
			cm.conn = nil
		}
	})
	return err
}

// sanitizeURL strips credentials before logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
