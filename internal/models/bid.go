package models

import (
	"time"

	"github.com/google/uuid"
)

// BidStatus defines the lifecycle status of a bid.
type BidStatus string

const (
	BidStatusAccepted   BidStatus = "ACCEPTED"
	BidStatusSuperseded BidStatus = "SUPERSEDED"
)

// Bid is a single admitted bid against an auction; rejected submissions are
// answered synchronously and never persisted. At most one bid per auction is
// ACCEPTED at any time; earlier accepted bids become SUPERSEDED.
type Bid struct {
	ID          uuid.UUID  `json:"id"`
	AuctionID   uuid.UUID  `json:"auction_id"`
	BidderID    uuid.UUID  `json:"bidder_id"`
	Amount      int64      `json:"amount"`
	Quantity    int64      `json:"quantity,omitempty"` // bulk auctions only
	SubmittedAt time.Time  `json:"submitted_at"`
	AdmittedAt  *time.Time `json:"admitted_at,omitempty"`
	Status      BidStatus  `json:"status"`
	IsProxy     bool       `json:"is_proxy"`
	ClientNonce string     `json:"client_nonce"`
	// Sequence is the auction sequence number assigned at admission.
	Sequence uint64 `json:"sequence,omitempty"`
}
