package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payload types shared between the engine and the broadcast hub.

// AuctionStartedPayload is the payload for an AuctionStarted event.
type AuctionStartedPayload struct {
	AuctionID     string    `json:"auction_id"`
	AuctionType   string    `json:"auction_type"`
	StartingPrice int64     `json:"starting_price"`
	StartedAt     time.Time `json:"started_at"`
	EndTime       time.Time `json:"end_time"`
}

// PriceUpdatedPayload is the payload for a PriceUpdated event. BidID is nil
// for dutch scheduled decrements, which move the price without a bid.
type PriceUpdatedPayload struct {
	AuctionID string     `json:"auction_id"`
	NewPrice  int64      `json:"new_price"`
	BidID     *uuid.UUID `json:"bid_id,omitempty"`
	BidderID  *uuid.UUID `json:"bidder_id,omitempty"`
	IsProxy   bool       `json:"is_proxy,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TimeExtendedPayload is the payload for a TimeExtended event.
type TimeExtendedPayload struct {
	AuctionID  string    `json:"auction_id"`
	NewEndTime time.Time `json:"new_end_time"`
	ExtendedAt time.Time `json:"extended_at"`
}

// AuctionEndedPayload is the payload for an AuctionEnded event.
type AuctionEndedPayload struct {
	AuctionID    string     `json:"auction_id"`
	WinnerBidID  *uuid.UUID `json:"winner_bid_id,omitempty"`
	WinnerUserID *uuid.UUID `json:"winner_user_id,omitempty"`
	FinalPrice   int64      `json:"final_price"`
	ReserveMet   bool       `json:"reserve_met"`
	EndedAt      time.Time  `json:"ended_at"`
}

// AuctionCancelledPayload is the payload for an AuctionCancelled event.
type AuctionCancelledPayload struct {
	AuctionID   string    `json:"auction_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}
