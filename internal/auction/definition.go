package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/matbid/auction-engine/internal/models"
)

// Definition is the creation-time input consumed from the catalog
// collaborator. All amounts are integer minor units.
type Definition struct {
	Title    string            `json:"title"`
	ItemRef  string            `json:"item_ref"`
	SellerID uuid.UUID         `json:"seller_id"`
	Type     models.AuctionType `json:"type"`

	StartingPrice   int64  `json:"starting_price"`
	ReservePrice    *int64 `json:"reserve_price,omitempty"`
	BuyItNowPrice   *int64 `json:"buy_it_now_price,omitempty"`
	IncrementAmount int64  `json:"increment_amount"`

	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	ExtensionWindow time.Duration `json:"extension_window"`
	ExtensionAmount time.Duration `json:"extension_amount"`

	Dutch *models.DutchParams `json:"dutch,omitempty"`
	Bulk  *models.BulkParams  `json:"bulk,omitempty"`
}

func (d *Definition) validate() error {
	switch d.Type {
	case models.AuctionTypeStandard, models.AuctionTypeReserve,
		models.AuctionTypeBuyItNow, models.AuctionTypeDutch, models.AuctionTypeBulk:
	default:
		return invalidDef("type", "unknown auction type")
	}
	if d.Title == "" {
		return invalidDef("title", "required")
	}
	if d.StartingPrice <= 0 {
		return invalidDef("starting_price", "must be positive")
	}
	if !d.EndTime.After(d.StartTime) {
		return invalidDef("end_time", "must be after start_time")
	}
	if d.Type != models.AuctionTypeDutch && d.IncrementAmount <= 0 {
		return invalidDef("increment_amount", "must be positive")
	}
	if d.ExtensionWindow < 0 || d.ExtensionAmount < 0 {
		return invalidDef("extension_window", "must not be negative")
	}

	switch d.Type {
	case models.AuctionTypeReserve:
		if d.ReservePrice == nil {
			return invalidDef("reserve_price", "required for reserve auctions")
		}
		if *d.ReservePrice <= 0 {
			return invalidDef("reserve_price", "must be positive")
		}
	case models.AuctionTypeBuyItNow:
		if d.BuyItNowPrice == nil {
			return invalidDef("buy_it_now_price", "required for buy-it-now auctions")
		}
		if *d.BuyItNowPrice <= 0 {
			return invalidDef("buy_it_now_price", "must be positive")
		}
	case models.AuctionTypeDutch:
		if d.Dutch == nil {
			return invalidDef("dutch", "decrement settings required for dutch auctions")
		}
		if d.Dutch.DecrementAmount <= 0 {
			return invalidDef("dutch.decrement_amount", "must be positive")
		}
		if d.Dutch.DecrementInterval <= 0 {
			return invalidDef("dutch.decrement_interval", "must be positive")
		}
		if d.Dutch.MinimumPrice >= d.StartingPrice {
			return invalidDef("dutch.minimum_price", "must be below starting_price")
		}
		if d.Dutch.MinimumPrice <= 0 {
			return invalidDef("dutch.minimum_price", "must be positive")
		}
	case models.AuctionTypeBulk:
		if d.Bulk == nil {
			return invalidDef("bulk", "quantity bounds required for bulk auctions")
		}
		if d.Bulk.MinQuantityPerBid <= 0 {
			return invalidDef("bulk.min_quantity_per_bid", "must be positive")
		}
		if d.Bulk.MinQuantityPerBid > d.Bulk.MaxQuantityPerBid {
			return invalidDef("bulk.min_quantity_per_bid", "must not exceed max_quantity_per_bid")
		}
	}
	return nil
}

// newAuction builds the canonical record from a validated definition.
func newAuction(d *Definition, now time.Time) *models.Auction {
	a := &models.Auction{
		ID:              uuid.New(),
		Title:           d.Title,
		ItemRef:         d.ItemRef,
		SellerID:        d.SellerID,
		Type:            d.Type,
		Status:          models.AuctionStatusUpcoming,
		StartingPrice:   d.StartingPrice,
		CurrentPrice:    d.StartingPrice,
		ReservePrice:    d.ReservePrice,
		BuyItNowPrice:   d.BuyItNowPrice,
		IncrementAmount: d.IncrementAmount,
		StartTime:       d.StartTime,
		EndTime:         d.EndTime,
		ExtensionWindow: d.ExtensionWindow,
		ExtensionAmount: d.ExtensionAmount,
		Dutch:           d.Dutch,
		Bulk:            d.Bulk,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// Activation is always lane-driven so the started event carries the
	// first sequence number, even when the start time is already past.
	return a
}
