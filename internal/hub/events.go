package hub

import (
	"encoding/json"
	"time"

	"github.com/matbid/auction-engine/internal/auction"
)

// ClientMessage is one inbound frame from a subscriber.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	AuctionID string            `json:"auction_id"`
	// LastSeenSequence drives resync: the client asks for everything
	// after the last sequence it applied.
	LastSeenSequence uint64 `json:"last_seen_sequence,omitempty"`
	// Bid fields, used with place_bid.
	Amount      int64  `json:"amount,omitempty"`
	Quantity    int64  `json:"quantity,omitempty"`
	MaxAmount   *int64 `json:"max_amount,omitempty"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageJoin     ClientMessageType = "join"
	ClientMessageLeave    ClientMessageType = "leave"
	ClientMessagePlaceBid ClientMessageType = "place_bid"
	ClientMessageResync   ClientMessageType = "resync"
)

// ServerMessage is one outbound frame. Event frames carry the auction's
// sequence number so clients can detect gaps; direct frames (snapshots, bid
// results, errors) carry the sequence of the state they describe.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	AuctionID string            `json:"auction_id,omitempty"`
	Sequence  uint64            `json:"sequence,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageSnapshot         ServerMessageType = "snapshot"
	ServerMessageAuctionStarted   ServerMessageType = "auction_started"
	ServerMessagePriceUpdated     ServerMessageType = "price_updated"
	ServerMessageTimeExtended     ServerMessageType = "time_extended"
	ServerMessageAuctionEnded     ServerMessageType = "auction_ended"
	ServerMessageAuctionCancelled ServerMessageType = "auction_cancelled"
	ServerMessageBidResult        ServerMessageType = "bid_result"
	ServerMessageBidRejected      ServerMessageType = "bid_rejected"
	// ServerMessageFullSnapshotRequired tells a resyncing client its
	// position fell out of the event window; a snapshot frame follows.
	ServerMessageFullSnapshotRequired ServerMessageType = "full_snapshot_required"
	ServerMessageError                ServerMessageType = "error"
)

type errorData struct {
	Message string `json:"message"`
}

// snapshotData is the snapshot frame payload: the engine's authoritative
// state plus how many connections are watching the auction right now.
type snapshotData struct {
	*auction.Snapshot
	Watchers int `json:"watchers"`
}
