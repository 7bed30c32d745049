package kraken

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/internal/backoff"
	"github.com/navid-fn/pricefeed/internal/metrics"
	"github.com/navid-fn/pricefeed/internal/model"
)

const (
	DefaultWSURL = "wss://ws.kraken.com/v2"

	// WebSocket connection timeouts and intervals
	ConnectTimeout   = 10 * time.Second
	ReceiveTimeout   = 5 * time.Second
	ReadTimeout      = 60 * time.Second
	WriteTimeout     = 10 * time.Second
	HeartbeatTimeout = 30 * time.Second

	// Reconnect policy
	InitialReconnectDelay = 5 * time.Second
	MaxReconnectDelay     = 60 * time.Second
	MaxReconnectAttempts  = 10

	// handshakeAcksPerProduct messages follow the subscribe request for each
	// product and carry no trades.
	handshakeAcksPerProduct = 2
)

var (
	// ErrReconnectExhausted means the backoff cycle ran out of attempts. The
	// ingestion process must treat it as fatal.
	ErrReconnectExhausted = errors.New("websocket reconnect attempts exhausted")

	// ErrConnectionLost means a receive failed and the immediate reconnect did too.
	ErrConnectionLost = errors.New("websocket connection lost")

	ErrClosed = errors.New("websocket connector closed")
)

// ConnState is the connector state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribed
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WSConfig holds WebSocket connection settings.
type WSConfig struct {
	URL              string
	ConnectTimeout   time.Duration
	ReceiveTimeout   time.Duration
	ReadTimeout      time.Duration
	HeartbeatTimeout time.Duration

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int
}

// DefaultWSConfig returns a default WebSocket configuration
func DefaultWSConfig(wsURL string) *WSConfig {
	return &WSConfig{
		URL:                   wsURL,
		ConnectTimeout:        ConnectTimeout,
		ReceiveTimeout:        ReceiveTimeout,
		ReadTimeout:           ReadTimeout,
		HeartbeatTimeout:      HeartbeatTimeout,
		InitialReconnectDelay: InitialReconnectDelay,
		MaxReconnectDelay:     MaxReconnectDelay,
		MaxReconnectAttempts:  MaxReconnectAttempts,
	}
}

// session is one dialed connection and its reader goroutine. messages is
// closed when the reader stops; err is set before that when the socket failed.
type session struct {
	conn     *websocket.Conn
	messages chan []byte
	err      error
	done     chan struct{}
	once     sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// LiveConnector keeps a subscribed connection to the trade channel and
// yields trades through GetTrades. It is driven by a single caller; the
// mutex only guards against Close racing the main loop on shutdown.
type LiveConnector struct {
	productIDs []string
	config     *WSConfig
	logger     logrus.FieldLogger

	mu            sync.Mutex
	state         ConnState
	sess          *session
	lastHeartbeat time.Time
	attempts      int
	backoff       retry.Backoff
	closed        bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLiveConnector creates a disconnected connector. Call Connect, or let the
// first GetTrades reconnect.
func NewLiveConnector(productIDs []string, config *WSConfig, logger logrus.FieldLogger) *LiveConnector {
	if config == nil {
		config = DefaultWSConfig(DefaultWSURL)
	}
	return &LiveConnector{
		productIDs: productIDs,
		config:     config,
		logger:     logger.WithField("component", "live"),
		state:      StateDisconnected,
		now:        time.Now,
		sleep:      backoff.Sleep,
	}
}

// State returns the current connection state.
func (c *LiveConnector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a subscribed socket is held, regardless of heartbeats.
func (c *LiveConnector) IsConnected() bool {
	return c.State() == StateSubscribed
}

// IsHealthy is true only when subscribed and a heartbeat arrived within
// HeartbeatTimeout. A silently dead socket fails this without any I/O error.
func (c *LiveConnector) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSubscribed && c.now().Sub(c.lastHeartbeat) <= c.config.HeartbeatTimeout
}

// ReconnectAttempts is the number of backoff attempts in the current cycle.
func (c *LiveConnector) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect dials, subscribes and drains the handshake acknowledgements.
// It reports success instead of returning an error; failures are logged.
func (c *LiveConnector) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.dropSessionLocked()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	sess, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.WithError(err).Warn("WebSocket connect failed")
		c.setStateLocked(StateDegraded)
		return false
	}
	if c.closed {
		sess.close()
		return false
	}

	c.sess = sess
	c.lastHeartbeat = c.now()
	c.setStateLocked(StateSubscribed)
	c.logger.WithField("products", c.productIDs).Info("Subscribed to trade channel")
	return true
}

func (c *LiveConnector) dial(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	deadline := time.Now().Add(c.config.ConnectTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(newTradeSubscription(c.productIDs)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	conn.SetReadDeadline(deadline)
	for i := 0; i < handshakeAcksPerProduct*len(c.productIDs); i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("read handshake ack %d: %w", i+1, err)
		}
	}

	sess := &session{
		conn:     conn,
		messages: make(chan []byte, 100),
		done:     make(chan struct{}),
	}
	go c.readLoop(sess)
	return sess, nil
}

// readLoop pumps frames into the session until the socket fails.
// gorilla connections are unusable after a read deadline fires, so the
// bounded receive in GetTrades waits on the channel instead of the socket.
// Frames read before a failure stay queued ahead of the close.
func (c *LiveConnector) readLoop(sess *session) {
	defer close(sess.messages)
	for {
		sess.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, msg, err := sess.conn.ReadMessage()
		if err != nil {
			sess.err = err
			return
		}
		select {
		case sess.messages <- msg:
		case <-sess.done:
			return
		}
	}
}

// GetTrades performs one polling step. It returns an empty slice whenever
// there is nothing to deliver this cycle; errors are ErrReconnectExhausted,
// ErrConnectionLost, ErrClosed or the context error.
func (c *LiveConnector) GetTrades(ctx context.Context) ([]model.Trade, error) {
	if !c.IsHealthy() && !c.hasQueued() {
		if err := c.reconnect(ctx); err != nil {
			if errors.Is(err, ErrReconnectExhausted) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil, err
			}
			c.logger.WithError(err).Warn("Reconnect failed, no trades this cycle")
			return []model.Trade{}, nil
		}
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return []model.Trade{}, nil
	}

	timer := time.NewTimer(c.config.ReceiveTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		return []model.Trade{}, nil

	case msg, ok := <-sess.messages:
		if ok {
			return c.handleMessage(msg), nil
		}
		return c.sessionEnded(ctx, sess)
	}
}

// sessionEnded runs once every frame of a failed session was delivered: it
// drops the session and reconnects immediately, without backoff.
func (c *LiveConnector) sessionEnded(ctx context.Context, sess *session) ([]model.Trade, error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return []model.Trade{}, nil
	}
	c.dropSessionLocked()
	c.setStateLocked(StateDegraded)
	c.mu.Unlock()
	c.logger.WithError(sess.err).Warn("WebSocket receive failed, reconnecting immediately")

	if c.Connect(ctx) {
		return []model.Trade{}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionLost, sess.err)
}

// hasQueued reports whether frames already read are waiting for delivery.
func (c *LiveConnector) hasQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && len(c.sess.messages) > 0
}

// reconnect makes one attempt of the backoff cycle. The cycle survives across
// calls until a connect succeeds.
func (c *LiveConnector) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.backoff == nil {
		c.backoff = c.newBackoff()
		c.attempts = 0
	}
	delay, stop := c.backoff.Next()
	if stop {
		attempts := c.attempts
		c.mu.Unlock()
		metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
		c.logger.WithField("attempts", attempts).Error("Maximum reconnect attempts exceeded")
		return ErrReconnectExhausted
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"attempt":      attempt,
		"max_attempts": c.config.MaxReconnectAttempts,
		"delay":        delay,
	}).Warn("Connection unhealthy, reconnecting")

	if err := c.sleep(ctx, delay); err != nil {
		return err
	}

	if !c.Connect(ctx) {
		metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
		return fmt.Errorf("reconnect attempt %d failed", attempt)
	}

	metrics.ReconnectAttempts.WithLabelValues("succeeded").Inc()
	c.mu.Lock()
	c.backoff = nil
	c.attempts = 0
	c.mu.Unlock()
	return nil
}

// newBackoff yields base, 2*base, 4*base ... capped at MaxReconnectDelay,
// stopping after MaxReconnectAttempts values.
func (c *LiveConnector) newBackoff() retry.Backoff {
	return backoff.Exponential(c.config.InitialReconnectDelay, c.config.MaxReconnectDelay, c.config.MaxReconnectAttempts)
}

func (c *LiveConnector) handleMessage(msg []byte) []model.Trade {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.WithError(err).WithField("message", truncate(msg, 200)).Error("Error decoding message")
		return []model.Trade{}
	}

	switch env.Channel {
	case "heartbeat":
		c.touch()
		c.logger.Debug("Heartbeat received")
		return []model.Trade{}
	case "trade":
	default:
		c.logger.WithFields(logrus.Fields{"channel": env.Channel, "method": env.Method}).Debug("Ignoring non-trade message")
		return []model.Trade{}
	}

	c.touch()
	if len(env.Data) == 0 {
		c.logger.Error("No data field with trades in the message")
		return []model.Trade{}
	}

	var raw []wsTrade
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		c.logger.WithError(err).Error("Error decoding trade data")
		return []model.Trade{}
	}

	trades := make([]model.Trade, 0, len(raw))
	for _, r := range raw {
		trade, err := model.NewTrade(r.Symbol, r.Price, r.Qty, r.Timestamp)
		if err != nil {
			c.logger.WithError(err).WithField("symbol", r.Symbol).Warn("Dropping invalid trade")
			continue
		}
		trades = append(trades, trade)
	}
	return trades
}

// MarkDisconnected drops the current socket so the next GetTrades starts a
// fresh reconnect cycle. Used when the stream goes silent without errors.
func (c *LiveConnector) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropSessionLocked()
	c.setStateLocked(StateDisconnected)
}

// Close releases the connection. Safe to call more than once.
func (c *LiveConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropSessionLocked()
	c.setStateLocked(StateDisconnected)
	c.logger.Info("WebSocket connector closed")
	return nil
}

func (c *LiveConnector) touch() {
	c.mu.Lock()
	c.lastHeartbeat = c.now()
	c.mu.Unlock()
}

func (c *LiveConnector) dropSessionLocked() {
	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}
}

func (c *LiveConnector) setStateLocked(s ConnState) {
	if c.state != s {
		c.logger.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("Connection state changed")
	}
	c.state = s
	metrics.ConnectionState.Set(float64(s))
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
