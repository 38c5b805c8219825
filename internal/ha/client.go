package ha

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HAClient defines the interface the bridge uses to publish to Home Assistant
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	SetState(ctx context.Context, state *State) error
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
	OnConnect(hook func())
}

// Client implements HAClient: a WebSocket session for events plus REST calls for state writes
type Client struct {
	baseURL      string
	wsURL        string
	token        string
	logger       *zap.Logger
	http         *http.Client
	conn         *websocket.Conn
	connected    bool
	connMu       sync.RWMutex
	msgID        int
	msgIDMu      sync.Mutex
	pending      map[int]chan Message
	pendingMu    sync.Mutex
	subscribers  map[string][]subscriberEntry
	subsMu       sync.RWMutex
	nextSubID    int
	connectHooks []func()
	hooksMu      sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	reconnect    bool
	writeMu      sync.Mutex // Protects websocket writes
}

// subscription implements Subscription for Client
type subscription struct {
	eventType string
	subID     int
	client    *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.eventType, s.subID)
}

// WebSocketURL derives the websocket endpoint from a Home Assistant base URL
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid Home Assistant URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported Home Assistant URL scheme %q", u.Scheme)
	}

	if !strings.HasSuffix(u.Path, "/api/websocket") {
		u.Path += "/api/websocket"
	}
	return u.String(), nil
}

// NewClient creates a new Home Assistant client for baseURL (http or https)
func NewClient(baseURL, token string, logger *zap.Logger) (*Client, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		wsURL:       wsURL,
		token:       token,
		logger:      logger,
		http:        &http.Client{Timeout: 10 * time.Second},
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}, nil
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes the WebSocket connection, authenticates, re-subscribes to
// every event type with handlers and then runs the OnConnect hooks
func (c *Client) Connect() error {
	c.connMu.Lock()
	c.reconnect = true
	c.connMu.Unlock()
	return c.connect()
}

func (c *Client) connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	// Connect to WebSocket
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	c.resetContextLocked()
	c.connected = true
	c.logger.Info("Connected to Home Assistant", zap.String("url", c.wsURL))

	// Start background message receiver
	go c.receiveMessages(c.ctx, conn)

	// Release lock before subscribing to avoid deadlock with sendMessage
	c.connMu.Unlock()

	for _, eventType := range c.eventTypes() {
		if err := c.subscribeEvents(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	c.runConnectHooks()
	return nil
}

// ConnectInBackground connects once and, if that fails, keeps retrying with the
// reconnect backoff until it succeeds or Disconnect is called
func (c *Client) ConnectInBackground() error {
	err := c.Connect()
	if err != nil {
		go c.attemptReconnect()
	}
	return err
}

// authenticate performs the auth_required -> auth -> auth_ok handshake
func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type == "auth_invalid" {
		return fmt.Errorf("authentication failed: invalid token")
	}

	if authResponse.Type != "auth_ok" {
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	return nil
}

// Disconnect closes the WebSocket connection and stops reconnecting
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()

	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		// Send close message (protected by writeMu)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// OnConnect registers a hook run after every successful (re)connect
func (c *Client) OnConnect(hook func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.connectHooks = append(c.connectHooks, hook)
}

func (c *Client) runConnectHooks() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.connectHooks...)
	c.hooksMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a request with the given id and waits for its result
func (c *Client) sendMessage(id int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	// Create response channel
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	// Send message (protected by writeMu to prevent concurrent writes)
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Wait for response with timeout
	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages on conn until it fails or ctx is cancelled
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				c.logger.Error("Failed to read message", zap.Error(err))
				c.handleDisconnect(conn)
			}
			return
		}

		// Handle event messages
		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent dispatches an event to the handlers of its type
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg.Event)
	}
}

// handleDisconnect handles loss of conn
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		// Already replaced or closed by Disconnect
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	conn.Close()
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	// Attempt to reconnect with exponential backoff
	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		c.connMu.RLock()
		reconnect := c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		time.Sleep(backoff)

		c.connMu.RLock()
		reconnect = c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// subscribeEvents asks Home Assistant to forward events of eventType
func (c *Client) subscribeEvents(eventType string) error {
	msgID := c.nextMsgID()
	req := &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: eventType,
	}

	_, err := c.sendMessage(msgID, req)
	return err
}

// eventTypes returns every event type that has at least one handler
func (c *Client) eventTypes() []string {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	types := make([]string, 0, len(c.subscribers))
	for eventType := range c.subscribers {
		types = append(types, eventType)
	}
	return types
}

// SubscribeEvents registers handler for eventType. Subscriptions survive reconnects.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	c.subsMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	first := len(c.subscribers[eventType]) == 0
	c.subscribers[eventType] = append(c.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	if first && c.IsConnected() {
		if err := c.subscribeEvents(eventType); err != nil {
			c.unsubscribe(eventType, subID)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
	}

	return &subscription{
		eventType: eventType,
		subID:     subID,
		client:    c,
	}, nil
}

// unsubscribe removes a specific subscription by event type and subscription ID
func (c *Client) unsubscribe(eventType string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[eventType]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)

			if len(c.subscribers[eventType]) == 0 {
				delete(c.subscribers, eventType)
			}
			break
		}
	}

	return nil
}
