// Package transport keeps the progress stream connection to the scan server
// open, reconnecting after a fixed delay whenever it drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ProgressPath is the scan progress stream on the server.
const ProgressPath = "/ws/scans/progress"

// Defaults for Manager.
const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// MessageHandler receives every payload read from the stream.
type MessageHandler interface {
	HandleMessage(data []byte)
}

// Conn is an open stream connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Metrics records connection activity.
type Metrics interface {
	SetConnected(connected bool)
	IncReconnect()
}

type noopMetrics struct{}

func (noopMetrics) SetConnected(bool) {}
func (noopMetrics) IncReconnect()     {}

// DialWebsocket returns a DialFunc backed by a gorilla websocket dialer.
func DialWebsocket(dialer *websocket.Dialer) DialFunc {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return func(ctx context.Context, u string) (Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, u, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("dial %s: %s: %w", u, resp.Status, err)
			}
			return nil, fmt.Errorf("dial %s: %w", u, err)
		}
		return conn, nil
	}
}

// EndpointFromOrigin derives the progress stream URL from the server origin,
// upgrading http to ws and https to wss.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	u.Path = ProgressPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the dial function.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithReconnectDelay sets the fixed delay before a reconnect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.policy = backoff.NewConstantBackOff(d)
		}
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns one stream connection at a time. At most one reconnect timer
// is ever pending. After Close nothing is dialled again.
type Manager struct {
	endpoint    string
	handler     MessageHandler
	dial        DialFunc
	dialTimeout time.Duration
	policy      backoff.BackOff
	logger      logrus.FieldLogger
	metrics     Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      Conn
	connID    string
	dialing   bool
	closed    bool
	reconnect *time.Timer
}

// NewManager creates a Manager for endpoint that feeds handler.
// Nothing is dialled until Connect.
func NewManager(endpoint string, handler MessageHandler, opts ...Option) *Manager {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	m := &Manager{
		endpoint:    endpoint,
		handler:     handler,
		dial:        DialWebsocket(nil),
		dialTimeout: DefaultDialTimeout,
		policy:      backoff.NewConstantBackOff(DefaultReconnectDelay),
		logger:      discard,
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithFields(logrus.Fields{
		"component": "transport",
		"endpoint":  endpoint,
	})
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m
}

// Connect dials the endpoint unless a connection is open or being dialled.
// A failed dial is handled like an error followed by a close.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.conn != nil || m.dialing {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	conn, err := m.dial(ctx, m.endpoint)
	cancel()

	m.mu.Lock()
	m.dialing = false
	if err != nil {
		m.mu.Unlock()
		m.onError(err)
		m.onClose()
		return
	}
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	id := uuid.NewString()
	m.conn = conn
	m.connID = id
	m.wg.Add(1)
	m.mu.Unlock()

	m.onOpen(id)
	go m.readLoop(conn, id)
}

// Connected reports whether a connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}

// CancelReconnect stops a pending reconnect attempt, if any.
func (m *Manager) CancelReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopReconnectLocked()
}

// Close tears the connection down and waits for the read loop to exit.
// It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopReconnectLocked()
	conn, id := m.conn, m.connID
	m.conn = nil
	m.mu.Unlock()

	m.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	}
	m.wg.Wait()
	m.metrics.SetConnected(false)
	m.logger.WithField("conn_id", id).Info("connection closed")

	return err
}

func (m *Manager) readLoop(conn Conn, id string) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			closed := m.closed
			m.mu.Unlock()

			conn.Close()
			if closed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				!isCloseError(err) {
				m.onError(err)
			}
			m.logger.WithField("conn_id", id).Info("connection lost")
			m.onClose()
			return
		}

		m.handler.HandleMessage(data)
	}
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

func (m *Manager) onOpen(id string) {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.mu.Unlock()

	m.metrics.SetConnected(true)
	m.logger.WithField("conn_id", id).Info("connected")
}

// onError only logs; recovery is driven by onClose.
func (m *Manager) onError(err error) {
	m.logger.WithError(err).Warn("connection error")
}

// onClose arms a single reconnect attempt unless one is already pending.
func (m *Manager) onClose() {
	m.metrics.SetConnected(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.reconnect != nil {
		return
	}

	delay := m.policy.NextBackOff()
	if delay == backoff.Stop {
		delay = DefaultReconnectDelay
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnect != t || m.closed {
			m.mu.Unlock()
			return
		}
		m.reconnect = nil
		m.mu.Unlock()

		m.metrics.IncReconnect()
		m.Connect()
	})
	m.reconnect = t

	m.logger.WithField("delay", delay).Debug("reconnect scheduled")
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}
