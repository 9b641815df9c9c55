/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package channels

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicebridge/voicebridge-go/bridgesdk"
)

// Config holds the configuration for the channels listener
type Config struct {
	WebSocketURL                string        // Push endpoint; derived from the API base URL when empty
	PingInterval                time.Duration // Interval between ping messages
	PongTimeout                 time.Duration // Timeout for receiving a pong response
	SubscribeTimeout            time.Duration // Timeout for the subscription handshake
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration for the channels listener
func DefaultConfig() *Config {
	return &Config{
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		SubscribeTimeout:            30 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// ChannelProvider supplies the notification channel identifiers to subscribe
// to. A registered device registry satisfies this interface.
type ChannelProvider interface {
	IncomingCallChannelID() string
	SessionManagementChannelID() string
}

// NotificationHandler is a function that handles a push notification
type NotificationHandler func(n *Notification)

// Notification represents a push notification delivered over a channel
type Notification struct {
	// JSON fields from the websocket message
	ID        string                 `json:"id,omitempty"`
	ChannelID string                 `json:"channelId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`

	// Derived fields populated during processing
	Type   string `json:"-"` // Populated from data.eventType
	CallID string `json:"-"` // Populated from data.callId when present
}

// Listener maintains the websocket subscription to the notification channels
type Listener struct {
	core           *bridgesdk.Client
	config         *Config
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	hasConnected   bool
	mu             sync.Mutex
	handlers       map[string][]NotificationHandler
	closeCh        chan struct{}
	retryCount     int
	currentBackoff time.Duration
	provider       ChannelProvider
	customURL      string
}

// New creates a new channels listener
func New(core *bridgesdk.Client, config *Config) *Listener {
	if config == nil {
		config = DefaultConfig()
	}

	return &Listener{
		core:           core,
		config:         config,
		handlers:       make(map[string][]NotificationHandler),
		closeCh:        make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// SetChannelProvider sets the source of channel IDs to subscribe to
func (l *Listener) SetChannelProvider(provider ChannelProvider) {
	l.mu.Lock()
	l.provider = provider
	l.mu.Unlock()
}

// SetCustomWebSocketURL overrides the push endpoint, mainly for testing
func (l *Listener) SetCustomWebSocketURL(url string) {
	l.mu.Lock()
	l.customURL = url
	l.mu.Unlock()
}

// Connect establishes the websocket subscription to the notification channels
func (l *Listener) Connect() error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}

	if l.connecting {
		l.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}

	l.connecting = true
	l.mu.Unlock()

	channelIDs, err := l.channelIDs()
	if err != nil {
		l.mu.Lock()
		l.connecting = false
		l.mu.Unlock()
		return err
	}

	return l.connectWithBackoff(l.endpointURL(), channelIDs)
}

// Disconnect closes the websocket subscription
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	if !l.connected && !l.connecting {
		l.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(l.closeCh)

	// Create a new channel for future connections
	l.closeCh = make(chan struct{})

	conn := l.conn
	l.conn = nil
	l.connected = false
	l.connecting = false
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}

	return nil
}

// On registers a handler for a notification type. The wildcard "*" receives
// every notification.
func (l *Listener) On(notificationType string, handler NotificationHandler) {
	if handler == nil {
		return
	}

	l.mu.Lock()
	l.handlers[notificationType] = append(l.handlers[notificationType], handler)
	l.mu.Unlock()
}

// Off removes a previously registered handler for a notification type
func (l *Listener) Off(notificationType string, handler NotificationHandler) {
	if handler == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	handlers, ok := l.handlers[notificationType]
	if !ok {
		return
	}

	// Find the handler by comparing function pointers
	handlerPtr := fmt.Sprintf("%p", handler)
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == handlerPtr {
			l.handlers[notificationType] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}

	if len(l.handlers[notificationType]) == 0 {
		delete(l.handlers, notificationType)
	}
}

// IsConnected returns whether the listener currently holds a live connection
func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Handlers returns a copy of the handler map (for testing)
func (l *Listener) Handlers() map[string][]NotificationHandler {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make(map[string][]NotificationHandler, len(l.handlers))
	for k, v := range l.handlers {
		handlers := make([]NotificationHandler, len(v))
		copy(handlers, v)
		result[k] = handlers
	}

	return result
}

// channelIDs collects the channel identifiers to subscribe to
func (l *Listener) channelIDs() ([]string, error) {
	l.mu.Lock()
	provider := l.provider
	l.mu.Unlock()

	if provider == nil {
		return nil, fmt.Errorf("no channel provider configured")
	}

	var ids []string
	if id := provider.IncomingCallChannelID(); id != "" {
		ids = append(ids, id)
	}
	if id := provider.SessionManagementChannelID(); id != "" {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("channel provider returned no channel IDs; register the device first")
	}

	return ids, nil
}

// endpointURL returns the websocket endpoint to dial
func (l *Listener) endpointURL() string {
	l.mu.Lock()
	custom := l.customURL
	l.mu.Unlock()

	if custom != "" {
		return custom
	}
	if l.config.WebSocketURL != "" {
		return l.config.WebSocketURL
	}

	// Derive wss endpoint from the API base URL
	u := *l.core.BaseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/notifications"
	return u.String()
}

// connectWithBackoff attempts the connection with exponential backoff
func (l *Listener) connectWithBackoff(wsURL string, channelIDs []string) error {
	l.retryCount = 0
	l.currentBackoff = l.config.BackoffTimeReset

	maxRetries := l.config.MaxRetries
	if !l.hasConnected {
		maxRetries = l.config.InitialConnectionMaxRetries
	}

	var err error
	for l.retryCount <= maxRetries {
		err = l.attemptConnection(wsURL, channelIDs)
		if err == nil {
			return nil
		}

		l.retryCount++
		if l.retryCount > maxRetries {
			break
		}

		select {
		case <-time.After(l.currentBackoff):
			l.currentBackoff *= 2
			if l.currentBackoff > l.config.BackoffTimeMax {
				l.currentBackoff = l.config.BackoffTimeMax
			}
		case <-l.closeCh:
			// Stopped by user
			l.mu.Lock()
			l.connecting = false
			l.mu.Unlock()
			return nil
		}
	}

	l.mu.Lock()
	l.connecting = false
	l.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %v", l.retryCount, err)
}

// attemptConnection makes a single connection and subscription attempt
func (l *Listener) attemptConnection(wsURL string, channelIDs []string) error {
	token := l.core.GetAccessToken()

	parsedURL, err := url.Parse(wsURL)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %v", err)
	}
	query := parsedURL.Query()
	query.Set("clientTimestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	parsedURL.RawQuery = query.Encode()

	conn, err := l.dialWebSocket(parsedURL.String(), token)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		return l.handlePong(conn)
	})

	if err = l.subscribe(conn, token, channelIDs); err != nil {
		conn.Close()
		return err
	}

	// done belongs to this connection only; its listen goroutine is the
	// sole closer, so a later connection's lifetime is unaffected.
	done := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.connecting = false
	l.hasConnected = true
	l.mu.Unlock()

	go l.startPingPong(conn, done)
	go l.listen(conn, done)

	return nil
}

// dialWebSocket establishes a WebSocket connection with auth headers
func (l *Listener) dialWebSocket(url string, token string) (*websocket.Conn, error) {
	headers := make(map[string][]string)
	headers["Authorization"] = []string{"Bearer " + token}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if httpClient := l.core.GetHTTPClient(); httpClient != nil && httpClient.Transport != nil {
		if transport, ok := httpClient.Transport.(*http.Transport); ok {
			dialer.NetDialContext = transport.DialContext
		}
	}

	conn, _, err := dialer.Dial(url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %v", err)
	}

	return conn, nil
}

// subscribe sends the channel subscription message and waits for confirmation
func (l *Listener) subscribe(conn *websocket.Conn, token string, channelIDs []string) error {
	subMsg := map[string]interface{}{
		"id":   fmt.Sprintf("%d", time.Now().UnixMilli()),
		"type": "subscribe",
		"data": map[string]interface{}{
			"token":      token,
			"channelIds": channelIDs,
		},
	}

	subJSON, err := json.Marshal(subMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %v", err)
	}

	if err = conn.WriteMessage(websocket.TextMessage, subJSON); err != nil {
		return fmt.Errorf("failed to send subscribe message: %v", err)
	}

	subChan := make(chan error, 1)
	go l.waitForSubscribeConfirmation(conn, subChan)

	select {
	case err := <-subChan:
		return err
	case <-time.After(l.config.SubscribeTimeout):
		return fmt.Errorf("subscription timed out after %s", l.config.SubscribeTimeout)
	}
}

// waitForSubscribeConfirmation reads messages until the subscription is
// confirmed or rejected
func (l *Listener) waitForSubscribeConfirmation(conn *websocket.Conn, subChan chan<- error) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			subChan <- fmt.Errorf("error reading subscribe response: %v", err)
			return
		}

		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}

		if eventType, ok := event["type"].(string); ok {
			switch eventType {
			case "subscribed":
				subChan <- nil
				return
			case "error":
				subChan <- fmt.Errorf("subscription failed: %v", event)
				return
			}
		}
	}
}

// listen reads notifications from its websocket connection
func (l *Listener) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			l.handleConnectionError(conn)
			return
		}

		var n Notification
		if err := json.Unmarshal(message, &n); err != nil {
			continue
		}

		l.processNotification(&n)
	}
}

// handleConnectionError tears down a failed connection and triggers
// reconnection unless the listener was deliberately closed. Errors from a
// connection that has already been replaced or torn down are ignored.
func (l *Listener) handleConnectionError(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.connected = false
	l.connecting = true
	l.conn = nil
	closeCh := l.closeCh
	l.mu.Unlock()

	conn.Close()

	select {
	case <-closeCh:
		// Deliberate disconnect, don't reconnect
		l.mu.Lock()
		l.connecting = false
		l.mu.Unlock()
	default:
		go l.reconnect()
	}
}

// processNotification extracts metadata and dispatches the notification
func (l *Listener) processNotification(n *Notification) {
	if n.Data != nil {
		if eventType, ok := n.Data["eventType"].(string); ok {
			n.Type = eventType
		}
		if callID, ok := n.Data["callId"].(string); ok {
			n.CallID = callID
		}
	}

	// Protocol-internal frames never reach handlers
	if n.Type == "" || n.Type == "channel.subscribed" {
		return
	}

	l.dispatch(n)
}

// dispatch invokes all handlers registered for the notification type
func (l *Listener) dispatch(n *Notification) {
	l.mu.Lock()
	handlers := l.handlers[n.Type]
	wildcardHandlers := l.handlers["*"]
	l.mu.Unlock()

	for _, handler := range handlers {
		go handler(n)
	}
	for _, handler := range wildcardHandlers {
		go handler(n)
	}
}

// startPingPong keeps its connection alive with periodic pings. It stops
// once the connection's listen goroutine exits.
func (l *Listener) startPingPong(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.ping(conn); err != nil {
				l.handleConnectionError(conn)
				return
			}
		case <-l.closeCh:
			return
		case <-done:
			return
		}
	}
}

// ping sends a ping message and arms the pong deadline
func (l *Listener) ping(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(l.config.PongTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.PingMessage,
		[]byte(fmt.Sprintf("%d", time.Now().UnixMilli())))
}

// handlePong clears the pong deadline
func (l *Listener) handlePong(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Time{})
}

// reconnect re-establishes the subscription after a connection failure.
// The caller has already cleared the connection state and set connecting.
func (l *Listener) reconnect() {
	channelIDs, err := l.channelIDs()
	if err != nil {
		l.mu.Lock()
		l.connecting = false
		l.mu.Unlock()
		return
	}

	_ = l.connectWithBackoff(l.endpointURL(), channelIDs)
}
