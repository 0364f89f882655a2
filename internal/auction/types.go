package auction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/matbid/auction-engine/internal/models"
)

// SubmitRequest is one bid submission entering the admission lane.
type SubmitRequest struct {
	AuctionID   uuid.UUID `json:"auction_id"`
	BidderID    uuid.UUID `json:"bidder_id"`
	Amount      int64     `json:"amount"`
	Quantity    int64     `json:"quantity,omitempty"`
	ClientNonce string    `json:"client_nonce"`
	// MaxAmount registers or updates a proxy agent for the bidder
	// atomically with the bid.
	MaxAmount *int64 `json:"max_amount,omitempty"`
}

// SubmitResult is the synchronous outcome of a bid submission. Duplicate is
// set when the nonce had already been processed and the prior result is
// replayed verbatim.
type SubmitResult struct {
	Accepted     bool         `json:"accepted"`
	Duplicate    bool         `json:"duplicate,omitempty"`
	Reason       RejectReason `json:"reason,omitempty"`
	BidID        uuid.UUID    `json:"bid_id,omitempty"`
	CurrentPrice int64        `json:"current_price"`
	Sequence     uint64       `json:"sequence"`
	EndTime      time.Time    `json:"end_time"`
}

// Snapshot is the authoritative view handed to a joining or resyncing
// subscriber.
type Snapshot struct {
	Auction    *models.Auction `json:"auction"`
	RecentBids []*models.Bid   `json:"recent_bids"`
	Sequence   uint64          `json:"sequence"`
	ReserveMet bool            `json:"reserve_met"`
	EndingSoon bool            `json:"ending_soon"`
	ServerTime time.Time       `json:"server_time"`

	// Outcome is set once the auction has ended.
	Outcome *models.AuctionOutcome `json:"outcome,omitempty"`
}

// Publisher delivers committed events to the broadcast path. Implementations
// must not block the admission lane; publishes are fire-and-forget with
// respect to the lane.
type Publisher interface {
	Publish(ctx context.Context, ev *models.AuctionEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *models.AuctionEvent) error { return nil }
