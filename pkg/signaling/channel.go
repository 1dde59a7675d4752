package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tphan267/guggleweed-client/pkg/api"
	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/utils"
)

const (
	defaultRequestTimeout = 20 * time.Second
	keepaliveInterval     = 30 * time.Second
	writeTimeout          = 10 * time.Second
)

// Channel is a request/response and push channel to the conferencing server
// over a single WebSocket. It never reconnects on its own: a lost connection
// fails every pending request and fires EventDisconnect once.
type Channel struct {
	serverURL      string
	path           string
	requestTimeout time.Duration
	dialer         *websocket.Dialer

	conn       *websocket.Conn
	mutex      sync.RWMutex
	writeMutex sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc

	handlers     map[string][]EventHandler
	handlerMutex sync.RWMutex

	pending      map[string]chan response
	pendingMutex sync.Mutex

	disposed atomic.Bool

	logger *logger.Logger
}

// NewChannel creates a signaling channel with the default path "/socket"
func NewChannel(serverURL string, log *logger.Logger) *Channel {
	return NewChannelWithPath(serverURL, "/socket", log)
}

// NewChannelWithPath creates a signaling channel with a custom WebSocket path
func NewChannelWithPath(serverURL string, path string, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	return &Channel{
		serverURL:      serverURL,
		path:           path,
		requestTimeout: defaultRequestTimeout,
		dialer:         &dialer,
		ctx:            ctx,
		cancel:         cancel,
		handlers:       make(map[string][]EventHandler),
		pending:        make(map[string]chan response),
		logger:         log,
	}
}

// SetRequestTimeout bounds how long Request waits for an ack
func (c *Channel) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.requestTimeout = d
	}
}

// Connect dials the server once. The identity is carried in handshake headers.
func (c *Channel) Connect(ctx context.Context, participantID, meetingID string) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	if c.IsConnected() {
		return fmt.Errorf("signaling channel already connected")
	}

	wsURL := utils.JoinURL(utils.WebSocketURL(c.serverURL), c.path)
	c.logger.Printf("[Signaling] Connecting to %s as %s", wsURL, utils.MaskID(participantID))

	headers := http.Header{}
	headers.Set(HeaderParticipantID, participantID)
	headers.Set(HeaderMeetingID, meetingID)

	conn, _, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		err = fmt.Errorf("failed to connect to signaling server: %w", err)
		c.logger.Error("[Signaling] %v", err)
		c.dispatch(EventConnectError, errorPayload(err))
		return err
	}

	c.mutex.Lock()
	if c.disposed.Load() {
		c.mutex.Unlock()
		conn.Close()
		return ErrDisposed
	}
	c.conn = conn
	c.mutex.Unlock()

	c.logger.Printf("[Signaling] Connected to %s", wsURL)

	go c.readMessages(conn)
	go c.keepalive(conn)

	c.dispatch(EventConnect, nil)
	return nil
}

// readMessages reads frames until the connection fails
func (c *Channel) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("[Signaling] Failed to unmarshal message: %v", err)
			continue
		}

		if msg.Type == messageTypeAck {
			c.resolve(msg)
			continue
		}
		c.dispatch(msg.Type, msg.Data)
	}
}

func (c *Channel) resolve(msg Message) {
	c.pendingMutex.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMutex.Unlock()

	if !ok {
		c.logger.Debug("[Signaling] Ack for unknown request %s", msg.ID)
		return
	}

	var result api.Result
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		ch <- response{err: fmt.Errorf("%w: %v", api.ErrMalformedResult, err)}
		return
	}
	ch <- response{result: result}
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.handlerMutex.RLock()
	handlers := make([]EventHandler, len(c.handlers[event]))
	copy(handlers, c.handlers[event])
	c.handlerMutex.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debug("[Signaling] No handler for event: %s", event)
		return
	}
	for _, handler := range handlers {
		handler(data)
	}
}

func (c *Channel) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mutex.Lock()
	if c.conn != conn {
		c.mutex.Unlock()
		return
	}
	c.conn = nil
	c.mutex.Unlock()
	conn.Close()

	c.failPending(ErrDisconnected)

	if c.disposed.Load() {
		return
	}
	c.logger.Warn("[Signaling] Connection lost: %v", cause)
	c.dispatch(EventDisconnect, errorPayload(cause))
}

func (c *Channel) failPending(err error) {
	c.pendingMutex.Lock()
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.pendingMutex.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
}

// Request sends an action and waits for its ack. A failed result is returned
// as *RequestError; a success result is decoded into out when out is non-nil.
func (c *Channel) Request(ctx context.Context, action string, payload any, out any) error {
	if c.disposed.Load() {
		return ErrDisposed
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.pendingMutex.Lock()
	c.pending[id] = ch
	c.pendingMutex.Unlock()

	if err := c.send(action, id, payload); err != nil {
		c.forget(id)
		return err
	}

	c.logger.Debug("[Signaling] -> %s (%s)", action, id)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.err != nil {
			return fmt.Errorf("%s: %w", action, resp.err)
		}
		if err := resp.result.Unwrap(out); err != nil {
			var failed *api.FailedError
			if errors.As(err, &failed) {
				return &RequestError{Action: action, Reason: failed.Message}
			}
			return fmt.Errorf("%s: %w", action, err)
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: %w", action, ErrRequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Channel) forget(id string) {
	c.pendingMutex.Lock()
	delete(c.pending, id)
	c.pendingMutex.Unlock()
}

// Emit sends a fire-and-forget action
func (c *Channel) Emit(action string, payload any) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	c.logger.Debug("[Signaling] -> %s", action)
	return c.send(action, "", payload)
}

func (c *Channel) send(msgType, id string, payload any) error {
	c.mutex.RLock()
	conn := c.conn
	c.mutex.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	msg := Message{Type: msgType, ID: id}
	if payload != nil {
		dataBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		msg.Data = dataBytes
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// On registers a handler for a push or lifecycle event
func (c *Channel) On(event string, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Off removes every handler registered for event
func (c *Channel) Off(event string) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	delete(c.handlers, event)
}

// keepalive sends periodic ping frames
func (c *Channel) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mutex.RLock()
			current := c.conn
			c.mutex.RUnlock()
			if current != conn {
				return
			}

			c.writeMutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMutex.Unlock()
			if err != nil {
				c.logger.Warn("[Signaling] Ping failed: %v", err)
			}
		}
	}
}

// Dispose unsubscribes every handler, fails pending requests and closes the
// connection. It is safe to call more than once.
func (c *Channel) Dispose() {
	if c.disposed.Swap(true) {
		return
	}

	c.handlerMutex.Lock()
	c.handlers = make(map[string][]EventHandler)
	c.handlerMutex.Unlock()

	c.cancel()
	c.failPending(ErrDisposed)

	c.mutex.Lock()
	conn := c.conn
	c.conn = nil
	c.mutex.Unlock()

	if conn != nil {
		c.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		conn.Close()
	}

	c.logger.Printf("[Signaling] Channel disposed")
}

// IsConnected returns true if the channel holds a live connection
func (c *Channel) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.conn != nil
}

func errorPayload(err error) json.RawMessage {
	data, _ := json.Marshal(ErrorPayload{Message: err.Error()})
	return data
}
