package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeClient is the websocket side of the identity service: it delivers
// asynchronous session-change events (remote sign-out, token revocation) over
// Supabase Realtime's Phoenix-channel protocol. The connection is optional;
// the session store works without one.
type RealtimeClient struct {
	mu       sync.RWMutex
	url      string
	apiKey   string
	conn     *websocket.Conn
	channels map[string]*Channel
	handlers map[string][]EventHandler
	done     chan struct{}
	ref      int
}

// EventHandler handles realtime events.
type EventHandler func(event *RealtimeEvent)

// RealtimeEvent is a raw frame from the realtime service.
type RealtimeEvent struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Channel represents a joined realtime topic.
type Channel struct {
	client  *RealtimeClient
	topic   string
	joined  bool
	joinRef string
}

// NewRealtimeClient creates a realtime client for the project URL.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := supabaseURL
	if len(wsURL) > 5 && wsURL[:5] == "https" {
		wsURL = "wss" + wsURL[5:]
	} else if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:      wsURL,
		apiKey:   apiKey,
		channels: make(map[string]*Channel),
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil // Already connected
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	go r.handleMessages()
	go r.heartbeat()

	return nil
}

// Disconnect closes the WebSocket connection.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	close(r.done)

	err := r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	if err != nil {
		r.conn.Close()
		r.conn = nil
		return fmt.Errorf("close message: %w", err)
	}

	r.conn.Close()
	r.conn = nil
	return nil
}

// Channel returns or creates a channel for the topic.
func (r *RealtimeClient) Channel(topic string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		client: r,
		topic:  topic,
	}
	r.channels[topic] = ch
	return ch
}

// Subscribe joins the channel's topic.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if c.joined {
		return nil
	}
	if c.client.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}

	c.client.ref++
	ref := fmt.Sprintf("%d", c.client.ref)
	c.joinRef = ref

	msg := map[string]any{
		"topic":    c.topic,
		"event":    "phx_join",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": ref,
	}

	if err := c.client.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.joined = true
	return nil
}

// Unsubscribe leaves the channel's topic.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if !c.joined {
		return nil
	}

	c.client.ref++
	ref := fmt.Sprintf("%d", c.client.ref)

	msg := map[string]any{
		"topic":    c.topic,
		"event":    "phx_leave",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": c.joinRef,
	}

	if c.client.conn != nil {
		if err := c.client.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send leave: %w", err)
		}
	}

	c.joined = false
	delete(c.client.channels, c.topic)
	delete(c.client.handlers, c.topic+":"+EventSignedOut)
	delete(c.client.handlers, c.topic+":"+EventTokenRefreshed)
	return nil
}

// On registers an event handler on the channel.
func (c *Channel) On(event string, handler EventHandler) *Channel {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	key := c.topic + ":" + event
	c.client.handlers[key] = append(c.client.handlers[key], handler)
	return c
}

func (r *RealtimeClient) handleMessages() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Connection closed
			return
		}

		var event RealtimeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}

		r.dispatchEvent(&event)
	}
}

func (r *RealtimeClient) dispatchEvent(event *RealtimeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eventType := event.Event
	if payload, ok := event.Payload["type"].(string); ok {
		eventType = payload
	}

	key := event.Topic + ":" + eventType
	handlers := r.handlers[key]

	for _, handler := range handlers {
		go handler(event)
	}
}

func (r *RealtimeClient) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != nil {
				r.ref++
				msg := map[string]any{
					"topic":   "phoenix",
					"event":   "heartbeat",
					"payload": map[string]any{},
					"ref":     fmt.Sprintf("%d", r.ref),
				}
				r.conn.WriteJSON(msg)
			}
			r.mu.Unlock()
		}
	}
}

// =============================================================================
// Session Events
// =============================================================================

// Session-change event types broadcast on a user's auth topic.
const (
	EventSignedOut      = "SIGNED_OUT"
	EventTokenRefreshed = "TOKEN_REFRESHED"
)

// SessionEvent is a decoded session-change notification.
type SessionEvent struct {
	Type string
	// Session carries the replacement grant on TOKEN_REFRESHED; nil on
	// SIGNED_OUT.
	Session *AuthResponse
}

// SessionEventHandler consumes decoded session events.
type SessionEventHandler func(event SessionEvent)

// SubscribeSessionEvents joins the auth topic for a user and delivers
// sign-out and token-refresh broadcasts to the handler. The returned channel's
// Unsubscribe tears the registration down.
func (r *RealtimeClient) SubscribeSessionEvents(ctx context.Context, userID string, handler SessionEventHandler) (*Channel, error) {
	topic := "realtime:auth:" + userID
	ch := r.Channel(topic)

	decode := func(event *RealtimeEvent) {
		se := SessionEvent{Type: event.Event}
		if t, ok := event.Payload["type"].(string); ok {
			se.Type = t
		}
		if raw, ok := event.Payload["session"]; ok {
			if b, err := json.Marshal(raw); err == nil {
				var auth AuthResponse
				if json.Unmarshal(b, &auth) == nil {
					se.Session = &auth
				}
			}
		}
		handler(se)
	}

	ch.On(EventSignedOut, decode)
	ch.On(EventTokenRefreshed, decode)

	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}
