package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/matbid/auction-engine/internal/models"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[uuid.UUID]*models.Auction
	bids     map[uuid.UUID]*models.Bid
	bidOrder map[uuid.UUID][]uuid.UUID // auctionID -> bid ids in admission order
	agents   map[uuid.UUID]map[uuid.UUID]*models.ProxyAgent
	events   map[uuid.UUID][]*models.AuctionEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[uuid.UUID]*models.Auction),
		bids:     make(map[uuid.UUID]*models.Bid),
		bidOrder: make(map[uuid.UUID][]uuid.UUID),
		agents:   make(map[uuid.UUID]map[uuid.UUID]*models.ProxyAgent),
		events:   make(map[uuid.UUID][]*models.AuctionEvent),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateAuction(_ context.Context, a *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) UpdateAuction(_ context.Context, a *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.auctions[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.SequenceNumber >= a.SequenceNumber {
		return ErrSequenceConflict
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id uuid.UUID) (*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListOpenAuctions(_ context.Context) ([]*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Auction
	for _, a := range s.auctions {
		if !a.Status.Terminal() {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertBid(_ context.Context, b *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bids[b.ID] = &cp
	s.bidOrder[b.AuctionID] = append(s.bidOrder[b.AuctionID], b.ID)
	return nil
}

func (s *MemoryStore) UpdateBidStatus(_ context.Context, bidID uuid.UUID, status models.BidStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[bidID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	return nil
}

func (s *MemoryStore) ListRecentBids(_ context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order := s.bidOrder[auctionID]
	start := 0
	if limit > 0 && len(order) > limit {
		start = len(order) - limit
	}
	out := make([]*models.Bid, 0, len(order)-start)
	for _, id := range order[start:] {
		cp := *s.bids[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpsertProxyAgent(_ context.Context, agent *models.ProxyAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byBidder, ok := s.agents[agent.AuctionID]
	if !ok {
		byBidder = make(map[uuid.UUID]*models.ProxyAgent)
		s.agents[agent.AuctionID] = byBidder
	}
	cp := *agent
	byBidder[agent.BidderID] = &cp
	return nil
}

func (s *MemoryStore) ListProxyAgents(_ context.Context, auctionID uuid.UUID) ([]*models.ProxyAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ProxyAgent
	for _, agent := range s.agents[auctionID] {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *models.AuctionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.AuctionID] = append(s.events[ev.AuctionID], &cp)
	return nil
}

func (s *MemoryStore) CommitBid(ctx context.Context, a *models.Auction, b *models.Bid, superseded *uuid.UUID, ev *models.AuctionEvent) error {
	if superseded != nil {
		if err := s.UpdateBidStatus(ctx, *superseded, models.BidStatusSuperseded); err != nil {
			return err
		}
	}
	if err := s.InsertBid(ctx, b); err != nil {
		return err
	}
	if err := s.UpdateAuction(ctx, a); err != nil {
		return err
	}
	return s.AppendEvent(ctx, ev)
}

func (s *MemoryStore) ListEventsAfter(_ context.Context, auctionID uuid.UUID, after uint64, limit int) ([]*models.AuctionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuctionEvent
	for _, ev := range s.events[auctionID] {
		if ev.Sequence > after {
			cp := *ev
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
