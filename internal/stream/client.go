package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/qqbroker/adapter/internal/model"
	"github.com/qqbroker/adapter/internal/retry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	clientSendBuf  = 256
)

// Invoker is the upstream-calling facade a Client proxies invoke/sdk
// requests through (spec.md §4.6: "the configured invoker facade").
type Invoker interface {
	Call(ctx context.Context, action string, params any, timeout time.Duration) (*model.UpstreamResponse, error)
}

// WhitelistChecker reports whether an action targeting the given group
// and/or user is permitted. A zero id (0) means "not present" for that
// dimension.
type WhitelistChecker interface {
	AllowGroup(groupID int64) bool
	AllowUser(userID int64) bool
}

// Client is one downstream WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	hub       *Hub
	invoker   Invoker
	whitelist WhitelistChecker
	retryCfg  RetryConfig
	logger    zerolog.Logger
}

// RetryConfig configures the "retry" invoke call kind (spec.md §6
// rpcRetry* options).
type RetryConfig struct {
	Enabled     bool
	IntervalMs  int
	MaxAttempts int
}

func newClient(conn *websocket.Conn, hub *Hub, invoker Invoker, whitelist WhitelistChecker, retryCfg RetryConfig, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:        id,
		conn:      conn,
		send:      make(chan []byte, clientSendBuf),
		hub:       hub,
		invoker:   invoker,
		whitelist: whitelist,
		retryCfg:  retryCfg,
		logger:    logger.With().Str("component", "stream.client").Str("client_id", id).Logger(),
	}
}

// run drives this client's connection until it closes, following the
// teacher's single-select loop shape (send channel + ping ticker +
// read channel, one goroutine).
func (c *Client) run() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	readCh := make(chan []byte, 64)
	errCh := make(chan error, 1)
	go c.readPump(readCh, errCh)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case raw := <-readCh:
			c.handle(raw)

		case err := <-errCh:
			if err != nil {
				c.logger.Debug().Err(err).Msg("client read loop ended")
			}
			return
		}
	}
}

func (c *Client) readPump(readCh chan<- []byte, errCh chan<- error) {
	defer close(errCh)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		select {
		case readCh <- message:
		default:
			c.logger.Warn().Msg("client read channel full, dropping inbound frame")
		}
	}
}

func (c *Client) handle(raw []byte) {
	var env model.ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug().Err(err).Msg("failed to decode client envelope, ignoring")
		return
	}

	switch env.Type {
	case model.ClientPing:
		c.writeEnvelope(model.NewPongEnvelope(time.Now().UnixMilli()))
	case model.ClientInvoke:
		c.handleInvoke(env)
	case model.ClientSDK:
		c.handleSDK(env)
	default:
		c.logger.Debug().Str("type", env.Type).Msg("unrecognized client envelope type")
	}
}

func (c *Client) writeEnvelope(env model.ServerEnvelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.logger.Warn().Msg("send buffer full, dropping outbound result")
	}
}

func (c *Client) handleInvoke(env model.ClientEnvelope) {
	groupID, userID := extractWhitelistTargets(env.Params)
	if !c.checkWhitelist(groupID, userID) {
		c.writeEnvelope(model.NewResultError(env.RequestID, whitelistRejection(groupID, userID)))
		return
	}

	var params any
	if len(env.Params) > 0 {
		_ = json.Unmarshal(env.Params, &params)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch env.Call {
	case "data":
		resp, err := c.invoker.Call(ctx, env.Action, params, 0)
		if err != nil {
			c.writeEnvelope(model.NewResultError(env.RequestID, err.Error()))
			return
		}
		c.writeEnvelope(model.NewResultEnvelope(env.RequestID, resp.Data))
	case "ok":
		resp, err := c.invoker.Call(ctx, env.Action, params, 0)
		if err != nil {
			c.writeEnvelope(model.NewResultEnvelope(env.RequestID, false))
			return
		}
		c.writeEnvelope(model.NewResultEnvelope(env.RequestID, resp.OK()))
	case "retry":
		var last *model.UpstreamResponse
		err := retry.Do(ctx, c.retryAttempts(), c.retryInterval(), func() error {
			resp, callErr := c.invoker.Call(ctx, env.Action, params, 0)
			if callErr != nil {
				return callErr
			}
			if !resp.OK() {
				last = resp
				return &upstreamFailure{msg: resp.ErrorMessage()}
			}
			last = resp
			return nil
		})
		if err != nil {
			c.writeEnvelope(model.NewResultError(env.RequestID, err.Error()))
			return
		}
		c.writeEnvelope(model.NewResultEnvelope(env.RequestID, last.Data))
	default: // "call", or unspecified
		resp, err := c.invoker.Call(ctx, env.Action, params, 0)
		if err != nil {
			c.writeEnvelope(model.NewResultError(env.RequestID, err.Error()))
			return
		}
		if !resp.OK() {
			c.writeEnvelope(model.NewResultError(env.RequestID, resp.ErrorMessage()))
			return
		}
		c.writeEnvelope(model.NewResultEnvelope(env.RequestID, resp.Data))
	}
}

type upstreamFailure struct{ msg string }

func (e *upstreamFailure) Error() string { return e.msg }

func (c *Client) retryAttempts() int {
	if c.retryCfg.MaxAttempts > 0 {
		return c.retryCfg.MaxAttempts
	}
	return 1
}

func (c *Client) retryInterval() time.Duration {
	return time.Duration(c.retryCfg.IntervalMs) * time.Millisecond
}

// handleSDK navigates a dotted facade path (e.g. "send.group_msg",
// "query.group_info") to an upstream action name, subject to the same
// whitelist as invoke but keyed by path → positional args (spec.md
// §4.6).
func (c *Client) handleSDK(env model.ClientEnvelope) {
	action, ok := resolveSDKPath(env.Path)
	if !ok {
		c.writeEnvelope(model.NewResultError(env.RequestID, "unknown sdk path: "+env.Path))
		return
	}

	var args []any
	if len(env.Args) > 0 {
		_ = json.Unmarshal(env.Args, &args)
	}

	groupID, userID := sdkWhitelistTargets(env.Path, args)
	if !c.checkWhitelist(groupID, userID) {
		c.writeEnvelope(model.NewResultError(env.RequestID, whitelistRejection(groupID, userID)))
		return
	}

	params := sdkParams(action, args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := c.invoker.Call(ctx, action, params, 0)
	if err != nil {
		c.writeEnvelope(model.NewResultError(env.RequestID, err.Error()))
		return
	}
	if !resp.OK() {
		c.writeEnvelope(model.NewResultError(env.RequestID, resp.ErrorMessage()))
		return
	}
	c.writeEnvelope(model.NewResultEnvelope(env.RequestID, resp.Data))
}

func (c *Client) checkWhitelist(groupID, userID int64) bool {
	if groupID != 0 && !c.whitelist.AllowGroup(groupID) {
		return false
	}
	if userID != 0 && !c.whitelist.AllowUser(userID) {
		return false
	}
	return true
}

func whitelistRejection(groupID, userID int64) string {
	if groupID != 0 {
		return "group_not_in_whitelist"
	}
	if userID != 0 {
		return "user_not_in_whitelist"
	}
	return "not_in_whitelist"
}

func extractWhitelistTargets(params json.RawMessage) (groupID, userID int64) {
	if len(params) == 0 {
		return 0, 0
	}
	var fields struct {
		GroupID int64 `json:"group_id"`
		UserID  int64 `json:"user_id"`
	}
	_ = json.Unmarshal(params, &fields)
	return fields.GroupID, fields.UserID
}
