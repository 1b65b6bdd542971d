// Package upstream implements the OneBot WebSocket client of
// spec.md §4.2: connection lifecycle with auto-reconnect, echo-keyed
// RPC multiplexing, and event emission.
//
// Grounded on the teacher's pkg/websocket/client.go single-select
// connection loop (send channel + ping ticker + read channel), split
// here into a writePump goroutine (send channel + ping ticker) and a
// readPump goroutine per connection, and on
// other_examples/..wsclient.go's pending map[string]chan response +
// reconnect-on-close semantics for the RPC multiplexing.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/errkind"
	"github.com/qqbroker/adapter/internal/model"
	"github.com/qqbroker/adapter/internal/ratelimit"
)

const pingPeriod = 30 * time.Second

// State is a Client's connection lifecycle state
// (spec.md §4.2 "Connection state machine").
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Config configures one logical upstream connection.
type Config struct {
	URL              string
	AccessToken      string
	Reconnect        bool
	ReconnectMinMs   int
	ReconnectMaxMs   int
	RequestTimeoutMs int
	AutoWaitOpen     bool

	RateMaxConcurrency int
	RateMinIntervalMs  int
}

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	Code   int
	Reason string
}

type pendingEntry struct {
	resultCh chan callResult
}

type callResult struct {
	resp *model.UpstreamResponse
	err  error
}

// Client owns one upstream WebSocket connection. Emits are exposed as
// typed channels rather than a generic event emitter (Design Note:
// "event emitter pattern").
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *ratelimit.Limiter

	mu           sync.Mutex
	conn         *websocket.Conn
	writeCh      chan []byte
	state        State
	manualClose  bool
	reconnecting bool
	reconnectAt  *time.Timer
	openSig      chan struct{}
	pending      map[string]*pendingEntry

	OnOpen  chan struct{}
	OnClose chan CloseInfo
	OnError chan error
	OnEvent chan []byte
}

// New creates a Client. Call Connect to establish the first
// connection.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger.With().Str("component", "upstream").Logger(),
		limiter: ratelimit.New(cfg.RateMaxConcurrency, time.Duration(cfg.RateMinIntervalMs)*time.Millisecond, logger),
		pending: make(map[string]*pendingEntry),
		openSig: make(chan struct{}),

		OnOpen:  make(chan struct{}, 8),
		OnClose: make(chan CloseInfo, 8),
		OnError: make(chan error, 8),
		OnEvent: make(chan []byte, 256),
	}
}

// Connect establishes the connection. If the initial handshake fails
// and auto-reconnect is disabled, the error is returned; otherwise a
// reconnect is scheduled and Connect returns nil (spec.md §4.2).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manualClose = false
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	conn, err := c.dial(dialCtx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		if !c.cfg.Reconnect {
			return errkind.New(errkind.Transport, "upstream.Connect", err)
		}
		c.scheduleReconnect()
		return nil
	}

	c.onConnected(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

		q := target.Query()
		if q.Get("access_token") == "" {
			q.Set("access_token", c.cfg.AccessToken)
			target.RawQuery = q.Encode()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond}
	conn, _, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	return conn, nil
}

func (c *Client) onConnected(conn *websocket.Conn) {
	c.cancelReconnect()

	writeCh := make(chan []byte, 256)
	stopCh := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.writeCh = writeCh
	c.state = StateOpen
	sig := c.openSig
	c.mu.Unlock()
	close(sig)

	c.logger.Info().Str("url", c.cfg.URL).Msg("upstream connected")
	c.emitOpen()

	go c.writePump(conn, writeCh, stopCh)
	go func() {
		code, reason, err := c.readPump(conn)
		close(stopCh)
		c.onSessionEnd(code, reason, err)
	}()
}

func (c *Client) writePump(conn *websocket.Conn, writeCh <-chan []byte, stopCh <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-writeCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("upstream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stopCh:
			return
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) (code int, reason string, err error) {
	for {
		_, message, readErr := conn.ReadMessage()
		if readErr != nil {
			code, reason = closeCodeOf(readErr)
			return code, reason, readErr
		}
		c.dispatch(message)
	}
}

func closeCodeOf(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (c *Client) dispatch(raw []byte) {
	echo, postType, ok := model.ClassifyFrame(raw)
	if !ok {
		c.logger.Debug().Bytes("frame", raw).Msg("discarding unrecognized upstream frame")
		return
	}

	if echo != "" {
		c.resolvePending(echo, raw)
		return
	}

	if postType != "" {
		select {
		case c.OnEvent <- raw:
		case <-time.After(5 * time.Second):
			c.logger.Warn().Msg("OnEvent consumer stalled, dropping event")
		}
	}
}

func (c *Client) resolvePending(echo string, raw []byte) {
	c.mu.Lock()
	entry, ok := c.pending[echo]
	if ok {
		delete(c.pending, echo)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("echo", echo).Msg("response for unknown echo, discarding")
		return
	}

	var resp model.UpstreamResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		entry.resultCh <- callResult{err: errkind.New(errkind.Protocol, "upstream.dispatch", err)}
		return
	}
	entry.resultCh <- callResult{resp: &resp}
}

func (c *Client) onSessionEnd(code int, reason string, readErr error) {
	c.mu.Lock()
	c.conn = nil
	c.writeCh = nil
	c.state = StateDisconnected
	c.openSig = make(chan struct{})
	manual := c.manualClose
	c.mu.Unlock()

	c.failAllPending(code, reason)

	if readErr != nil && !manual {
		c.emitError(fmt.Errorf("upstream connection lost: %w", readErr))
	}
	c.emitClose(code, reason)

	if !manual && c.cfg.Reconnect {
		c.scheduleReconnect()
	}
}

func (c *Client) failAllPending(code int, reason string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	closeErr := errkind.New(errkind.Transport, "upstream.closed", fmt.Errorf("closed: code=%d reason=%s", code, reason))
	for _, entry := range pending {
		select {
		case entry.resultCh <- callResult{err: closeErr}:
		default:
		}
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manualClose || c.reconnectAt != nil {
		return
	}

	delay := randomDuration(c.cfg.ReconnectMinMs, c.cfg.ReconnectMaxMs)
	c.reconnecting = true
	c.reconnectAt = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectAt = nil
		c.mu.Unlock()
		_ = c.Connect(context.Background())
	})
}

func (c *Client) cancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectAt != nil {
		c.reconnectAt.Stop()
		c.reconnectAt = nil
	}
	c.reconnecting = false
}

func randomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	span := maxMs - minMs
	return time.Duration(minMs+rand.Intn(span)) * time.Millisecond
}

// Close suppresses reconnect and terminates the socket.
func (c *Client) Close(code int, reason string) {
	c.mu.Lock()
	c.manualClose = true
	conn := c.conn
	c.mu.Unlock()

	c.cancelReconnect()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = conn.Close()
	}
}

// IsOpen reports whether the connection is currently usable.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// WaitOpen blocks until the connection is open or timeout elapses,
// returning whether it became open in time.
func (c *Client) WaitOpen(timeout time.Duration) bool {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return true
	}
	sig := c.openSig
	c.mu.Unlock()

	select {
	case <-sig:
		return true
	case <-time.After(timeout):
		return false
	}
}

var ErrNotOpen = fmt.Errorf("upstream connection is not open")

// Call issues an action request and waits for the matching response.
// A timeout of 0 uses the configured RequestTimeoutMs. Every outcome
// releases the rate-limit slot exactly once (spec.md invariant 3).
func (c *Client) Call(ctx context.Context, action string, params any, timeout time.Duration) (*model.UpstreamResponse, error) {
	if timeout <= 0 {
		timeout = time.Duration(c.cfg.RequestTimeoutMs) * time.Millisecond
	}

	if !c.IsOpen() {
		if !c.cfg.AutoWaitOpen {
			return nil, errkind.New(errkind.Transport, "upstream.Call", ErrNotOpen)
		}
		if !c.WaitOpen(timeout) {
			return nil, errkind.New(errkind.Timeout, "upstream.Call", fmt.Errorf("timeout waiting for upstream connection"))
		}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, errkind.New(errkind.Timeout, "upstream.Call", err)
	}
	var released bool
	release := func() {
		if !released {
			released = true
			c.limiter.Release()
		}
	}
	defer release()

	echo := uuid.NewString()
	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[echo] = &pendingEntry{resultCh: resultCh}
	c.mu.Unlock()

	raw, err := json.Marshal(model.UpstreamFrame{Action: action, Params: params, Echo: echo})
	if err != nil {
		c.removePending(echo)
		return nil, errkind.New(errkind.Protocol, "upstream.Call", err)
	}

	if err := c.send(raw); err != nil {
		c.removePending(echo)
		return nil, errkind.New(errkind.Transport, "upstream.Call", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-timer.C:
		c.removePending(echo)
		// Downstream clients match on this exact string (spec.md §8
		// scenario #3): no errkind wrapping here, it would add an
		// "op: kind:" prefix the contract doesn't allow for.
		return nil, fmt.Errorf("Timeout waiting response for action %q", action)
	case <-ctx.Done():
		c.removePending(echo)
		return nil, errkind.New(errkind.Timeout, "upstream.Call", ctx.Err())
	}
}

func (c *Client) removePending(echo string) {
	c.mu.Lock()
	delete(c.pending, echo)
	c.mu.Unlock()
}

func (c *Client) send(raw []byte) error {
	c.mu.Lock()
	ch := c.writeCh
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ch == nil {
		return ErrNotOpen
	}

	select {
	case ch <- raw:
		return nil
	default:
		return fmt.Errorf("upstream write buffer full")
	}
}

func (c *Client) emitOpen() {
	select {
	case c.OnOpen <- struct{}{}:
	default:
	}
}

func (c *Client) emitClose(code int, reason string) {
	select {
	case c.OnClose <- CloseInfo{Code: code, Reason: reason}:
	default:
	}
}

func (c *Client) emitError(err error) {
	select {
	case c.OnError <- err:
	default:
	}
}

// State returns the current connection state, for /health reporting.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveCalls reports the number of currently acquired rate-limiter
// slots, for metrics.
func (c *Client) ActiveCalls() int { return c.limiter.Active() }

// PendingCount reports how many RPC calls are currently awaiting a
// response, for metrics and tests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
