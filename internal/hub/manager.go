// Package hub fans committed auction events out to WebSocket subscribers
// and carries the join/resync protocol. A single broadcast goroutine drains
// events in publish order, so every subscriber observes each auction's
// sequence numbers in order with no gaps; a client that detects a gap asks
// for resync.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/eventlog"
	"github.com/matbid/auction-engine/internal/metrics"
	"github.com/matbid/auction-engine/internal/models"
)

// EngineAPI is the slice of the bidding engine the hub needs.
type EngineAPI interface {
	CreateAuction(ctx context.Context, d *auction.Definition) (*models.Auction, error)
	SubmitBid(ctx context.Context, req *auction.SubmitRequest) (*auction.SubmitResult, error)
	RegisterProxyAgent(ctx context.Context, auctionID, bidderID uuid.UUID, ceiling, step int64) error
	DisableProxyAgent(ctx context.Context, auctionID, bidderID uuid.UUID) error
	CancelAuction(ctx context.Context, auctionID uuid.UUID, reason string) error
	Snapshot(ctx context.Context, auctionID uuid.UUID) (*auction.Snapshot, error)
	EventsAfter(ctx context.Context, auctionID uuid.UUID, after uint64) ([]*models.AuctionEvent, error)
	ListActive(ctx context.Context) ([]*auction.Snapshot, error)
}

// ConnectionConfig holds WebSocket tuning for subscriber connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ConnectionManager owns the per-auction subscriber pools and the broadcast
// loop. One connection can watch any number of auctions.
type ConnectionManager struct {
	engine  EngineAPI
	metrics metrics.Collector

	mu    sync.RWMutex
	pools map[uuid.UUID]map[*Connection]bool

	upgrader    websocket.Upgrader
	config      ConnectionConfig
	broadcastCh chan broadcastMessage
}

// Connection is one WebSocket subscriber.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	mu            sync.Mutex
	subscriptions map[uuid.UUID]bool
	closed        bool

	ConnectedAt time.Time
	LastPing    time.Time
}

type broadcastMessage struct {
	AuctionID uuid.UUID
	Message   *ServerMessage
}

func NewConnectionManager(engine EngineAPI, collector metrics.Collector, config ConnectionConfig) *ConnectionManager {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &ConnectionManager{
		engine:  engine,
		metrics: collector,
		pools:   make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// Start runs the broadcast loop until the context ends.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case msg := <-cm.broadcastCh:
			cm.handleBroadcast(msg)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket subscriber.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		UserID:        userID,
		Conn:          conn,
		Send:          make(chan []byte, cm.config.SendBuffer),
		Manager:       cm,
		subscriptions: make(map[uuid.UUID]bool),
		ConnectedAt:   time.Now(),
		LastPing:      time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	cm.metrics.ConnectionOpened()
	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) subscribe(conn *Connection, auctionID uuid.UUID) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.mu.Unlock()

	cm.mu.Lock()
	if cm.pools[auctionID] == nil {
		cm.pools[auctionID] = make(map[*Connection]bool)
	}
	cm.pools[auctionID][conn] = true
	cm.mu.Unlock()

	conn.mu.Lock()
	conn.subscriptions[auctionID] = true
	conn.mu.Unlock()
}

func (cm *ConnectionManager) unsubscribe(conn *Connection, auctionID uuid.UUID) {
	cm.mu.Lock()
	if pool, ok := cm.pools[auctionID]; ok {
		delete(pool, conn)
		if len(pool) == 0 {
			delete(cm.pools, auctionID)
		}
	}
	cm.mu.Unlock()

	conn.mu.Lock()
	delete(conn.subscriptions, auctionID)
	conn.mu.Unlock()
}

// drop removes the connection from every pool. Idempotent: both pumps call
// it on teardown.
func (cm *ConnectionManager) drop(conn *Connection) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	subs := make([]uuid.UUID, 0, len(conn.subscriptions))
	for id := range conn.subscriptions {
		subs = append(subs, id)
	}
	conn.subscriptions = make(map[uuid.UUID]bool)
	conn.mu.Unlock()

	cm.mu.Lock()
	for _, id := range subs {
		if pool, ok := cm.pools[id]; ok {
			delete(pool, conn)
			if len(pool) == 0 {
				delete(cm.pools, id)
			}
		}
	}
	cm.mu.Unlock()

	cm.metrics.ConnectionClosed()
	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Msg("connection dropped")
}

// BroadcastToAuction queues a message for every subscriber of the auction.
func (cm *ConnectionManager) BroadcastToAuction(auctionID uuid.UUID, msg *ServerMessage) {
	select {
	case cm.broadcastCh <- broadcastMessage{AuctionID: auctionID, Message: msg}:
	default:
		cm.metrics.BroadcastDropped()
		log.Warn().Str("auction_id", auctionID.String()).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(msg broadcastMessage) {
	cm.mu.RLock()
	pool, ok := cm.pools[msg.AuctionID]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(pool))
	for conn := range pool {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(msg.Message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast message")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Slow consumer: evict rather than stall the fan-out.
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID.String()).
				Msg("send buffer full, closing connection")
			cm.drop(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("type", string(msg.Message.Type)).
		Str("auction_id", msg.AuctionID.String()).
		Int("subscribers", len(targets)).
		Msg("message broadcasted")
}

// Stats reports subscriber counts per auction.
func (cm *ConnectionManager) Stats() (total int, perAuction map[string]int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	perAuction = make(map[string]int, len(cm.pools))
	seen := make(map[*Connection]bool)
	for id, pool := range cm.pools {
		perAuction[id.String()] = len(pool)
		for conn := range pool {
			seen[conn] = true
		}
	}
	return len(seen), perAuction
}

// WatcherCount reports how many connections watch one auction.
func (cm *ConnectionManager) WatcherCount(auctionID uuid.UUID) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.pools[auctionID])
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.drop(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.drop(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close")
			}
			return
		}
		c.handleClientMessage(raw)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleClientMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("", "invalid message")
		return
	}
	auctionID, err := uuid.Parse(msg.AuctionID)
	if err != nil {
		c.sendError(msg.AuctionID, "invalid auction_id")
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case ClientMessageJoin:
		c.handleJoin(ctx, auctionID)
	case ClientMessageLeave:
		c.Manager.unsubscribe(c, auctionID)
	case ClientMessagePlaceBid:
		c.handlePlaceBid(ctx, auctionID, &msg)
	case ClientMessageResync:
		c.handleResync(ctx, auctionID, msg.LastSeenSequence)
	default:
		c.sendError(msg.AuctionID, "unknown message type")
	}
}

// handleJoin subscribes the connection, then sends the authoritative
// snapshot. Subscribing first means an event committed while the snapshot
// is in flight still reaches the connection; the client filters the
// duplicate by sequence.
func (c *Connection) handleJoin(ctx context.Context, auctionID uuid.UUID) {
	c.Manager.subscribe(c, auctionID)
	snap, err := c.Manager.engine.Snapshot(ctx, auctionID)
	if err != nil {
		c.Manager.unsubscribe(c, auctionID)
		c.sendError(auctionID.String(), "auction not found")
		return
	}
	c.sendSnapshot(auctionID, snap)
}

func (c *Connection) handlePlaceBid(ctx context.Context, auctionID uuid.UUID, msg *ClientMessage) {
	res, err := c.Manager.engine.SubmitBid(ctx, &auction.SubmitRequest{
		AuctionID:   auctionID,
		BidderID:    c.UserID,
		Amount:      msg.Amount,
		Quantity:    msg.Quantity,
		ClientNonce: msg.ClientNonce,
		MaxAmount:   msg.MaxAmount,
	})
	if err != nil {
		if errors.Is(err, auction.ErrLaneUnavailable) {
			c.sendError(auctionID.String(), "busy, retry with the same nonce")
			return
		}
		c.sendError(auctionID.String(), "bid failed")
		return
	}
	typ := ServerMessageBidResult
	if !res.Accepted {
		// Rejections go only to the submitter, never to the pool.
		typ = ServerMessageBidRejected
	}
	c.send(&ServerMessage{
		Type:      typ,
		AuctionID: auctionID.String(),
		Sequence:  res.Sequence,
		Timestamp: time.Now(),
		Data:      mustMarshal(res),
	})
}

// handleResync replays events the client missed, or falls back to a full
// snapshot when the window no longer covers the client's position.
func (c *Connection) handleResync(ctx context.Context, auctionID uuid.UUID, after uint64) {
	evs, err := c.Manager.engine.EventsAfter(ctx, auctionID, after)
	if err != nil {
		if errors.Is(err, eventlog.ErrGapTooLarge) {
			c.send(&ServerMessage{
				Type:      ServerMessageFullSnapshotRequired,
				AuctionID: auctionID.String(),
				Timestamp: time.Now(),
			})
			if snap, snapErr := c.Manager.engine.Snapshot(ctx, auctionID); snapErr == nil {
				c.sendSnapshot(auctionID, snap)
			}
			return
		}
		c.sendError(auctionID.String(), "resync failed")
		return
	}
	for _, ev := range evs {
		c.send(eventToMessage(ev))
	}
}

func (c *Connection) sendSnapshot(auctionID uuid.UUID, snap *auction.Snapshot) {
	c.send(&ServerMessage{
		Type:      ServerMessageSnapshot,
		AuctionID: auctionID.String(),
		Sequence:  snap.Sequence,
		Timestamp: time.Now(),
		Data: mustMarshal(snapshotData{
			Snapshot: snap,
			Watchers: c.Manager.WatcherCount(auctionID),
		}),
	})
}

func (c *Connection) sendError(auctionID, message string) {
	c.send(&ServerMessage{
		Type:      ServerMessageError,
		AuctionID: auctionID,
		Timestamp: time.Now(),
		Data:      mustMarshal(errorData{Message: message}),
	})
}

func (c *Connection) send(msg *ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal server message")
		return
	}
	select {
	case c.Send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, closing connection")
		c.Manager.drop(c)
		c.Conn.Close()
	}
}

// eventToMessage maps a committed engine event onto its wire frame.
func eventToMessage(ev *models.AuctionEvent) *ServerMessage {
	var typ ServerMessageType
	switch ev.Type {
	case models.EventTypeAuctionStarted:
		typ = ServerMessageAuctionStarted
	case models.EventTypePriceUpdated:
		typ = ServerMessagePriceUpdated
	case models.EventTypeTimeExtended:
		typ = ServerMessageTimeExtended
	case models.EventTypeAuctionEnded:
		typ = ServerMessageAuctionEnded
	case models.EventTypeAuctionCancelled:
		typ = ServerMessageAuctionCancelled
	default:
		typ = ServerMessageType(ev.Type)
	}
	return &ServerMessage{
		Type:      typ,
		AuctionID: ev.AuctionID.String(),
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Data:      ev.Payload,
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal payload")
		return json.RawMessage(`{}`)
	}
	return data
}
