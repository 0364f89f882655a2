package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/models"
)

func newTestConnection(cm *ConnectionManager) *Connection {
	return &Connection{
		ID:            uuid.New().String(),
		UserID:        uuid.New(),
		Send:          make(chan []byte, 8),
		Manager:       cm,
		subscriptions: make(map[uuid.UUID]bool),
		ConnectedAt:   time.Now(),
	}
}

func drainFrames(t *testing.T, conn *Connection) []ServerMessage {
	t.Helper()
	var frames []ServerMessage
	for len(conn.Send) > 0 {
		var msg ServerMessage
		assert.Nil(t, json.Unmarshal(<-conn.Send, &msg))
		frames = append(frames, msg)
	}
	return frames
}

// A join must subscribe before fetching the snapshot, so an event committed
// while the snapshot is in flight still reaches the new connection.
func TestJoin_DeliversEventCommittedDuringSnapshot(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{
		auction:  a,
		snapshot: &auction.Snapshot{Auction: a, Sequence: 3, ServerTime: time.Now()},
	}
	cm := NewConnectionManager(engine, nil, DefaultConnectionConfig())
	conn := newTestConnection(cm)

	racing := eventToMessage(&models.AuctionEvent{
		AuctionID: a.ID,
		Sequence:  4,
		Type:      models.EventTypePriceUpdated,
		Payload:   json.RawMessage(`{"new_price":13000}`),
	})
	engine.snapshotHook = func() {
		cm.handleBroadcast(broadcastMessage{AuctionID: a.ID, Message: racing})
	}

	conn.handleJoin(context.Background(), a.ID)

	frames := drainFrames(t, conn)
	assert.Equal(t, 2, len(frames))
	check.Equal(t, ServerMessagePriceUpdated, frames[0].Type)
	check.Equal(t, uint64(4), frames[0].Sequence)
	check.Equal(t, ServerMessageSnapshot, frames[1].Type)
	check.Equal(t, uint64(3), frames[1].Sequence)
	check.Equal(t, 1, cm.WatcherCount(a.ID))
}

func TestJoin_SnapshotFrameCarriesWatcherCount(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{
		auction:  a,
		snapshot: &auction.Snapshot{Auction: a, Sequence: 3, ServerTime: time.Now()},
	}
	cm := NewConnectionManager(engine, nil, DefaultConnectionConfig())

	first := newTestConnection(cm)
	first.handleJoin(context.Background(), a.ID)
	second := newTestConnection(cm)
	second.handleJoin(context.Background(), a.ID)

	frames := drainFrames(t, second)
	assert.Equal(t, 1, len(frames))
	assert.Equal(t, ServerMessageSnapshot, frames[0].Type)

	var data struct {
		Watchers int    `json:"watchers"`
		Sequence uint64 `json:"sequence"`
	}
	assert.Nil(t, json.Unmarshal(frames[0].Data, &data))
	check.Equal(t, 2, data.Watchers)
	check.Equal(t, uint64(3), data.Sequence)
}

func TestJoin_UnknownAuctionLeavesNoSubscription(t *testing.T) {
	cm := NewConnectionManager(&stubEngine{}, nil, DefaultConnectionConfig())
	conn := newTestConnection(cm)
	id := uuid.New()

	conn.handleJoin(context.Background(), id)

	check.Equal(t, 0, cm.WatcherCount(id))
	frames := drainFrames(t, conn)
	assert.Equal(t, 1, len(frames))
	check.Equal(t, ServerMessageError, frames[0].Type)
}
