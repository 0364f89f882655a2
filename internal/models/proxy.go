package models

import (
	"time"

	"github.com/google/uuid"
)

// ProxyAgent is a standing instruction to bid on a user's behalf up to a
// ceiling whenever outbid. One agent per (auction, bidder) pair. An agent
// only reacts to bids from other bidders, never to its own bidder's.
type ProxyAgent struct {
	AuctionID     uuid.UUID `json:"auction_id"`
	BidderID      uuid.UUID `json:"bidder_id"`
	Ceiling       int64     `json:"ceiling"`
	StepIncrement int64     `json:"step_increment"`
	Enabled       bool      `json:"enabled"`
	// RegisteredAt orders agents for the deterministic tie-break:
	// the earliest-registered agent wins a contested cascade step.
	RegisteredAt time.Time `json:"registered_at"`
}
