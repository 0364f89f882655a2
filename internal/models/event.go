package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a committed state delta.
type EventType string

const (
	EventTypeAuctionStarted   EventType = "AuctionStarted"
	EventTypePriceUpdated     EventType = "PriceUpdated"
	EventTypeTimeExtended     EventType = "TimeExtended"
	EventTypeAuctionEnded     EventType = "AuctionEnded"
	EventTypeAuctionCancelled EventType = "AuctionCancelled"
)

// AuctionEvent is one committed state delta. Events are keyed by
// (AuctionID, Sequence) and the sequence is gap-free per auction, so the
// event stream doubles as the resync log.
type AuctionEvent struct {
	ID        uuid.UUID       `json:"id"`
	AuctionID uuid.UUID       `json:"auction_id"`
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
