package models

import (
	"time"

	"github.com/google/uuid"
)

// AuctionType defines the pricing mechanics of an auction.
type AuctionType string

const (
	AuctionTypeStandard AuctionType = "STANDARD"
	AuctionTypeReserve  AuctionType = "RESERVE"
	AuctionTypeBuyItNow AuctionType = "BUY_IT_NOW"
	AuctionTypeDutch    AuctionType = "DUTCH"
	AuctionTypeBulk     AuctionType = "BULK"
)

// AuctionStatus defines the lifecycle status of an auction.
// "ending soon" is a derived view, never a stored status.
type AuctionStatus string

const (
	AuctionStatusUpcoming  AuctionStatus = "UPCOMING"
	AuctionStatusActive    AuctionStatus = "ACTIVE"
	AuctionStatusEnded     AuctionStatus = "ENDED"
	AuctionStatusCancelled AuctionStatus = "CANCELLED"
)

// Terminal reports whether the status rejects all further mutation.
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

// DutchParams holds the scheduled-decrement settings for dutch auctions.
type DutchParams struct {
	DecrementAmount   int64         `json:"decrement_amount"`
	DecrementInterval time.Duration `json:"decrement_interval"`
	MinimumPrice      int64         `json:"minimum_price"`
}

// BulkParams holds the per-bid quantity bounds for bulk auctions.
type BulkParams struct {
	MinQuantityPerBid int64 `json:"min_quantity_per_bid"`
	MaxQuantityPerBid int64 `json:"max_quantity_per_bid"`
}

// Auction is the canonical auction record. All monetary amounts are integer
// minor units (cents). The admission lane is the sole writer.
type Auction struct {
	ID       uuid.UUID     `json:"id"`
	Title    string        `json:"title"`
	ItemRef  string        `json:"item_ref"`
	SellerID uuid.UUID     `json:"seller_id"`
	Type     AuctionType   `json:"type"`
	Status   AuctionStatus `json:"status"`

	StartingPrice   int64  `json:"starting_price"`
	CurrentPrice    int64  `json:"current_price"`
	ReservePrice    *int64 `json:"reserve_price,omitempty"`
	BuyItNowPrice   *int64 `json:"buy_it_now_price,omitempty"`
	IncrementAmount int64  `json:"increment_amount"`

	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"` // mutable under anti-snipe
	ExtensionWindow time.Duration `json:"extension_window"`
	ExtensionAmount time.Duration `json:"extension_amount"`

	Dutch *DutchParams `json:"dutch,omitempty"`
	Bulk  *BulkParams  `json:"bulk,omitempty"`

	// SequenceNumber increments on every committed mutation and is
	// strictly increasing and gap-free per auction.
	SequenceNumber uint64     `json:"sequence_number"`
	WinningBidID   *uuid.UUID `json:"winning_bid_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReserveMet reports whether the current price satisfies the reserve.
// Auctions without a reserve always meet it.
func (a *Auction) ReserveMet() bool {
	if a.ReservePrice == nil {
		return true
	}
	return a.CurrentPrice >= *a.ReservePrice
}

// EndingSoon reports whether the auction is inside its extension window.
func (a *Auction) EndingSoon(now time.Time) bool {
	return a.Status == AuctionStatusActive && a.EndTime.Sub(now) <= a.ExtensionWindow
}

// Clone returns a deep copy safe to hand outside the admission lane.
func (a *Auction) Clone() *Auction {
	c := *a
	if a.ReservePrice != nil {
		v := *a.ReservePrice
		c.ReservePrice = &v
	}
	if a.BuyItNowPrice != nil {
		v := *a.BuyItNowPrice
		c.BuyItNowPrice = &v
	}
	if a.WinningBidID != nil {
		v := *a.WinningBidID
		c.WinningBidID = &v
	}
	if a.Dutch != nil {
		v := *a.Dutch
		c.Dutch = &v
	}
	if a.Bulk != nil {
		v := *a.Bulk
		c.Bulk = &v
	}
	return &c
}

// AuctionOutcome is emitted at close for downstream order creation.
type AuctionOutcome struct {
	AuctionID    uuid.UUID  `json:"auction_id"`
	WinnerBidID  *uuid.UUID `json:"winner_bid_id,omitempty"`
	WinnerUserID *uuid.UUID `json:"winner_user_id,omitempty"`
	FinalPrice   int64      `json:"final_price"`
	ReserveMet   bool       `json:"reserve_met"`
	EndedAt      time.Time  `json:"ended_at"`
}
