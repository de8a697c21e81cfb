/*
Package transport connects the client to the agent backend runtime.

The backend speaks JSON-RPC 2.0 over a single WebSocket connection. Commands
issued by the client are requests correlated by id; events pushed by the backend
(tool execution requests, stream updates) are notifications delivered in arrival
order to a single handler.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned for calls made without a live connection.
var ErrNotConnected = errors.New("backend is not connected")

// NotificationHandler receives backend events in arrival order. It runs on the
// read loop, so a slow handler applies backpressure to the connection.
type NotificationHandler func(method string, params json.RawMessage)

// Config describes how to reach the backend.
type Config struct {
	URL         string
	Token       string
	CallTimeout time.Duration
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.URL = strings.TrimSpace(out.URL)
	out.Token = strings.TrimSpace(out.Token)
	if out.CallTimeout <= 0 {
		out.CallTimeout = 60 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	return out
}

// Client is a JSON-RPC client over one WebSocket connection.
type Client struct {
	cfg      Config
	conn     *websocket.Conn
	onNotify NotificationHandler
	logger   *logrus.Entry

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the backend.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type callResult struct {
	Result json.RawMessage
	Err    error
}

// Dial connects to the backend and starts the read loop. onNotify may be nil.
func Dial(ctx context.Context, cfg Config, onNotify NotificationHandler, logger *logrus.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("backend url is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		onNotify: onNotify,
		logger:   logger.WithFields(logrus.Fields{"component": "transport", "backend": cfg.URL}),
		pending:  make(map[string]chan callResult),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Info("Connected to backend")
	return c, nil
}

// Call sends a request and waits for its response, the call timeout, or ctx.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c == nil {
		return nil, ErrNotConnected
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, errors.New("method is required")
	}

	id := uuid.NewString()
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeJSON(req); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		c.dropPending(id)
		return nil, callCtx.Err()
	case res := <-ch:
		return res.Result, res.Err
	}
}

// Done is closed once the connection has been lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection and fails outstanding calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Backend connection lost")
			}
			break
		}
		c.handleMessage(data)
	}

	c.failAllPending(ErrNotConnected)
	_ = c.conn.Close()
}

func (c *Client) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.WithError(err).Warn("Dropping undecodable backend message")
		return
	}
	if strings.TrimSpace(msg.JSONRPC) != "2.0" {
		return
	}

	if msg.Method != "" {
		if c.onNotify != nil {
			c.onNotify(msg.Method, msg.Params)
		}
		return
	}

	id := rpcIDToString(msg.ID)
	if id == "" {
		return
	}

	var out callResult
	out.Result = msg.Result
	if msg.Error != nil {
		out.Err = msg.Error
	}

	c.pendingMu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if ch == nil {
		c.logger.WithField("id", id).Debug("Response for unknown call")
		return
	}
	ch <- out
}

func (c *Client) dropPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{Err: err}
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func rpcIDToString(id any) string {
	switch v := id.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
