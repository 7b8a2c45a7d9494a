// Package stream owns the logical push-channel connection to the upstream
// gateway hub: open/close lifecycle, heartbeat, and reconnect with capped
// exponential backoff. Connection failures are never surfaced as errors to
// consumers; callers observe State().
package stream

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/model"
)

type Config struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

func (c Config) normalize() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Client maintains one upstream connection. Frames are handed to onFrame in
// arrival order from a single reader goroutine.
type Client struct {
	cfg     Config
	onFrame func([]byte)
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu        sync.Mutex
	phase     model.ConnectionPhase
	lastError string
	attempt   int
	nextDelay time.Duration
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

func New(cfg Config, onFrame func([]byte), logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		cfg:     cfg.normalize(),
		onFrame: onFrame,
		logger:  logger,
		metrics: m,
		phase:   model.PhaseDisconnected,
	}
}

// Open starts the connection lifecycle. It is a no-op while a lifecycle is
// already running (connecting, connected, or waiting to reconnect).
func (c *Client) Open(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.phase = model.PhaseConnecting
	go c.run(runCtx)
}

// Close tears the connection down and suppresses any further reconnects.
// The underlying transport is released on every exit path.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, conn, done := c.cancel, c.conn, c.done
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	c.mu.Lock()
	c.phase = model.PhaseDisconnected
	c.running = false
	c.mu.Unlock()
}

// State returns the observable connection state.
func (c *Client) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.ConnectionState{
		Phase:            c.phase,
		LastError:        c.lastError,
		ReconnectAttempt: c.attempt,
		NextRetryDelay:   c.nextDelay,
	}
}

// RequestResync asks the hub for a fresh full snapshot over the current
// connection. A no-op while disconnected; the next connect requests a
// snapshot anyway.
func (c *Client) RequestResync() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.writeResync(conn); err != nil {
		c.logger.Warn("resync request failed", "err", err)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		c.setPhase(model.PhaseConnecting)
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		c.noteFailure(err)
		delay := c.scheduleRetry()
		c.logger.Warn("push channel disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	wsURL, err := toWebsocketURL(c.cfg.URL)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.markConnected(conn)
	defer c.clearConn()

	// Deltas missed while down are unrecoverable; a fresh baseline must
	// arrive before any of them are trusted.
	if err := c.writeResync(conn); err != nil {
		return err
	}

	readWait := c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.onFrame(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.HeartbeatTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeResync(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.metrics.ResyncRequests.Inc()
	return conn.WriteJSON(map[string]string{"type": "resync"})
}

func (c *Client) markConnected(conn *websocket.Conn) {
	c.mu.Lock()
	c.phase = model.PhaseConnected
	c.lastError = ""
	c.attempt = 0
	c.nextDelay = 0
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) setPhase(phase model.ConnectionPhase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *Client) noteFailure(err error) {
	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	}
	c.phase = model.PhaseReconnecting
	c.attempt++
	c.mu.Unlock()
	c.metrics.Reconnects.Inc()
}

func (c *Client) scheduleRetry() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := retryDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, c.attempt)
	c.nextDelay = delay
	return delay
}

// retryDelay computes min(max, base*2^attempt) plus up to one base interval
// of jitter.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
