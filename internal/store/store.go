// Package store persists auction engine state. The admission lane is the
// only writer for a given auction, so implementations never need row-level
// coordination beyond the optimistic sequence guard used on auction updates.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/matbid/auction-engine/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSequenceConflict is returned when an auction update loses the
	// optimistic sequence-number check. With a single writer per auction
	// this indicates a second engine instance fighting over the row.
	ErrSequenceConflict = errors.New("auction sequence conflict")
)

// Store is the persistence seam for the engine.
type Store interface {
	CreateAuction(ctx context.Context, a *models.Auction) error
	// UpdateAuction persists a committed mutation. The write is guarded by
	// the previous sequence number: it only applies when the stored row is
	// strictly behind the new one.
	UpdateAuction(ctx context.Context, a *models.Auction) error
	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	// ListOpenAuctions returns auctions in a non-terminal status, used to
	// rebuild lanes at startup.
	ListOpenAuctions(ctx context.Context) ([]*models.Auction, error)

	InsertBid(ctx context.Context, b *models.Bid) error
	UpdateBidStatus(ctx context.Context, bidID uuid.UUID, status models.BidStatus) error
	ListRecentBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error)

	UpsertProxyAgent(ctx context.Context, agent *models.ProxyAgent) error
	ListProxyAgents(ctx context.Context, auctionID uuid.UUID) ([]*models.ProxyAgent, error)

	AppendEvent(ctx context.Context, ev *models.AuctionEvent) error
	ListEventsAfter(ctx context.Context, auctionID uuid.UUID, after uint64, limit int) ([]*models.AuctionEvent, error)

	// CommitBid persists an accepted bid atomically: the bid row, the
	// superseded predecessor (if any), the mutated auction row, and the
	// committed event. A bid is either fully committed or not at all.
	CommitBid(ctx context.Context, a *models.Auction, b *models.Bid, superseded *uuid.UUID, ev *models.AuctionEvent) error
}
