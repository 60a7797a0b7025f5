// Package pricefeed maintains a WebSocket subscription to the oracle price
// service and caches the latest price per feed.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-trading-core/internal/fixedpoint"
	"perp-trading-core/internal/observability"
)

// ClientConfig configures WebSocket client behavior.
type ClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultClientConfig returns default WebSocket configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// UpdateFunc is invoked for every price update, after the cache is updated.
type UpdateFunc func(feedID string, price float64)

// Client subscribes to oracle price feeds over a WebSocket and keeps the
// most recent price for each. It reconnects with exponential backoff and
// resubscribes to every active feed after a reconnect.
type Client struct {
	endpoint string
	config   ClientConfig
	log      zerolog.Logger
	onUpdate UpdateFunc

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// feeds holds the active subscriptions, for resubscription after
	// reconnect.
	feeds   map[string]struct{}
	feedsMu sync.Mutex

	// latest caches the newest descaled price per feed ID.
	latest   map[string]float64
	latestMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// NewClient creates a price feed client and connects to the endpoint.
// onUpdate may be nil.
func NewClient(ctx context.Context, endpoint string, config *ClientConfig, log zerolog.Logger, onUpdate UpdateFunc) (*Client, error) {
	cfg := DefaultClientConfig()
	if config != nil {
		cfg = *config
	}

	c := &Client{
		endpoint: endpoint,
		config:   cfg,
		log:      log,
		onUpdate: onUpdate,
		feeds:    make(map[string]struct{}),
		latest:   make(map[string]float64),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	return nil
}

// Subscribe starts streaming the given feed IDs. Already-subscribed IDs are
// resent harmlessly.
func (c *Client) Subscribe(feedIDs ...string) error {
	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}
	if len(feedIDs) == 0 {
		return nil
	}

	c.feedsMu.Lock()
	for _, id := range feedIDs {
		c.feeds[id] = struct{}{}
	}
	c.feedsMu.Unlock()

	return c.writeControl(feedRequest{Type: "subscribe", IDs: feedIDs})
}

// Unsubscribe stops streaming the given feed IDs. Their cached prices stay
// readable until the process exits.
func (c *Client) Unsubscribe(feedIDs ...string) error {
	if c.closed.Load() {
		return fmt.Errorf("client closed")
	}
	if len(feedIDs) == 0 {
		return nil
	}

	c.feedsMu.Lock()
	for _, id := range feedIDs {
		delete(c.feeds, id)
	}
	c.feedsMu.Unlock()

	return c.writeControl(feedRequest{Type: "unsubscribe", IDs: feedIDs})
}

// Latest returns the most recent price for a feed ID, or false when no
// update has arrived yet.
func (c *Client) Latest(feedID string) (float64, bool) {
	c.latestMu.RLock()
	defer c.latestMu.RUnlock()
	price, ok := c.latest[feedID]
	return price, ok
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}

// writeControl sends one JSON control message under the connection lock.
func (c *Client) writeControl(req feedRequest) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", req.Type, err)
	}
	return nil
}

// readLoop reads messages and updates the price cache.
func (c *Client) readLoop() {
	defer c.wg.Done()

	reconnectDelay := c.config.ReconnectDelay

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}

			if !c.reconnecting.Swap(true) {
				go c.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > c.config.MaxReconnectDelay {
				reconnectDelay = c.config.MaxReconnectDelay
			}

			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = c.config.ReconnectDelay

		c.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (c *Client) reconnect(delay time.Duration) {
	defer c.reconnecting.Store(false)

	if c.closed.Load() {
		return
	}

	select {
	case <-c.done:
		return
	case <-time.After(delay):
	}

	observability.RecordPriceFeedReconnect()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		c.log.Warn().Err(err).Msg("price feed reconnect failed")
		return
	}

	c.resubscribeAll()
}

// resubscribeAll restores every active feed after a reconnect.
func (c *Client) resubscribeAll() {
	c.feedsMu.Lock()
	ids := make([]string, 0, len(c.feeds))
	for id := range c.feeds {
		ids = append(ids, id)
	}
	c.feedsMu.Unlock()

	if len(ids) == 0 {
		return
	}

	if err := c.writeControl(feedRequest{Type: "subscribe", IDs: ids}); err != nil {
		c.log.Warn().Err(err).Msg("price feed resubscribe failed")
	}
}

// handleMessage processes one incoming WebSocket message.
func (c *Client) handleMessage(message []byte) {
	var update feedMessage
	if err := json.Unmarshal(message, &update); err != nil {
		c.log.Debug().Err(err).Msg("unparseable price feed message")
		return
	}
	if update.Type != "price_update" || update.PriceFeed == nil {
		return
	}

	feedID := update.PriceFeed.ID
	priceData := update.PriceFeed.Price
	if feedID == "" || priceData == nil || priceData.Price == "" {
		return
	}

	price := fixedpoint.ScaledString(priceData.Price, priceData.Expo)
	if math.IsNaN(price) {
		c.log.Debug().Str("feed", feedID).Str("raw", priceData.Price).
			Msg("unparseable price value")
		return
	}

	c.latestMu.Lock()
	c.latest[feedID] = price
	c.latestMu.Unlock()

	observability.RecordPriceUpdate(feedID)

	if c.onUpdate != nil {
		c.onUpdate(feedID, price)
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			c.connMu.Unlock()
		}
	}
}

// Price feed message types

type feedRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type feedMessage struct {
	Type      string     `json:"type"`
	PriceFeed *priceFeed `json:"price_feed"`
}

type priceFeed struct {
	ID    string      `json:"id"`
	Price *priceValue `json:"price"`
}

type priceValue struct {
	Price string `json:"price"`
	Expo  int32  `json:"expo"`
}
