// Package realtime maintains live local views of remote record collections.
// A Client owns one WebSocket change feed plus the HTTP record operations of
// the collection store; a Mirror keeps one filtered collection mapping current.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storelens/audit-orchestrator/internal/rtproto"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the store before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// Event is one delivery on a collection subscription. Besides the store's
// create/update/delete actions, the client injects connection-state events so
// consumers can refetch after a reconnect instead of trusting a gappy feed.
type Event struct {
	Action string
	Record json.RawMessage
}

// Synthetic actions injected by the client
const (
	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"
)

// Source is the store surface a Mirror consumes. *Client implements it.
type Source interface {
	ListRecords(ctx context.Context, collection, filter, sort string) ([]json.RawMessage, error)
	Subscribe(collection string) (<-chan Event, func())
}

// Client is an explicitly constructed, lifetime-scoped handle to the realtime
// store. Callers own init and teardown: Start opens the feed, Close releases it.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	subsMu  sync.Mutex
	subs    map[string]map[int]chan Event
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a client for the given HTTP base URL and WebSocket feed URL
func NewClient(baseURL, wsURL string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		subs:    make(map[string]map[int]chan Event),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the feed with automatic reconnection until Close is called
func (c *Client) Start() {
	go c.runWithReconnect()
}

// Close tears the client down. Safe to call once per handle.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Connected reports whether the change feed is currently established
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe returns a channel of events for one collection plus a release
// function. The release function is idempotent; the channel is closed by it.
func (c *Client) Subscribe(collection string) (<-chan Event, func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[collection] == nil {
		c.subs[collection] = make(map[int]chan Event)
	}
	ch := make(chan Event, 64)
	c.subs[collection][id] = ch
	c.subsMu.Unlock()

	// Tell the store about the new collection if the feed is already up
	c.sendSubscriptions()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			if m := c.subs[collection]; m != nil {
				if _, ok := m[id]; ok {
					delete(m, id)
					close(ch)
				}
			}
			c.subsMu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Client) runWithReconnect() {
	attempt := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.connect()
		if err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("realtime: connection failed: %v, retrying in %v", err, delay)
			attempt++

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		c.setConnected(true)
		c.broadcastAll(Event{Action: ActionConnected})

		err = c.readLoop()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.setConnected(false)
		c.broadcastAll(Event{Action: ActionDisconnected})

		if err != nil {
			log.Printf("realtime: disconnected: %v", err)
		}

		select {
		case <-c.ctx.Done():
			return
		default:
			// Will reconnect
		}
	}
}

func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		deadline := time.Now().Add(writeWait)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.sendSubscriptions()
}

// sendSubscriptions resends the full collection set; called on connect and
// whenever a subscriber for a new collection appears
func (c *Client) sendSubscriptions() error {
	c.subsMu.Lock()
	collections := make([]string, 0, len(c.subs))
	for name, m := range c.subs {
		if len(m) > 0 {
			collections = append(collections, name)
		}
	}
	c.subsMu.Unlock()

	if len(collections) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	data, err := rtproto.MarshalEnvelope(rtproto.TypeSubscribe, rtproto.SubscribeMessage{
		Collections: collections,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env rtproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("realtime: invalid message: %v", err)
			continue
		}

		switch env.Type {
		case rtproto.TypeEvent:
			var ev rtproto.EventMessage
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				log.Printf("realtime: invalid event: %v", err)
				continue
			}
			c.broadcast(ev.Collection, Event{Action: ev.Action, Record: ev.Record})

		case rtproto.TypePing:
			// Legacy application-level ping
			data, _ := rtproto.MarshalEnvelope(rtproto.TypePong, nil)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.WriteMessage(websocket.TextMessage, data)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) broadcast(collection string, ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs[collection] {
		deliver(ch, ev)
	}
}

func (c *Client) broadcastAll(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, m := range c.subs {
		for _, ch := range m {
			deliver(ch, ev)
		}
	}
}

// deliver enqueues an event without ever blocking the feed goroutine. A full
// buffer means the subscriber's view is now gappy, so the dropped event is
// replaced with a synthetic connected event that forces a refetch.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- Event{Action: ActionConnected}:
	default:
	}
}

// ListRecords fetches records from a collection applying filter and sort
func (c *Client) ListRecords(ctx context.Context, collection, filter, sort string) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/collections/%s/records", c.baseURL, collection)
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: status %d", collection, resp.StatusCode)
	}

	var body struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w", collection, err)
	}
	return body.Items, nil
}

// CreateRecord inserts a record and returns the stored version
func (c *Client) CreateRecord(ctx context.Context, collection string, record interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/api/collections/%s/records", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create %s: status %d", collection, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UpdateRecord patches fields on an existing record
func (c *Client) UpdateRecord(ctx context.Context, collection, id string, fields map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/api/collections/%s/records/%s", c.baseURL, collection, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update %s/%s: status %d", collection, id, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
