package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/matbid/auction-engine/internal/models"
)

func seedAuction(t *testing.T, s *MemoryStore) *models.Auction {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := &models.Auction{
		ID:              uuid.New(),
		Title:           "test lot",
		SellerID:        uuid.New(),
		Type:            models.AuctionTypeStandard,
		Status:          models.AuctionStatusActive,
		StartingPrice:   10000,
		CurrentPrice:    10000,
		IncrementAmount: 1000,
		StartTime:       now,
		EndTime:         now.Add(time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	assert.Nil(t, s.CreateAuction(context.Background(), a))
	return a
}

func TestMemoryStore_UpdateAuction_SequenceGuard(t *testing.T) {
	s := NewMemoryStore()
	a := seedAuction(t, s)

	next := a.Clone()
	next.SequenceNumber = 1
	next.CurrentPrice = 11000
	assert.Nil(t, s.UpdateAuction(context.Background(), next))

	// Replaying the same sequence loses the guard.
	check.Equal(t, ErrSequenceConflict, s.UpdateAuction(context.Background(), next), cmpopts.EquateErrors())

	got, err := s.GetAuction(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(11000), got.CurrentPrice)
	check.Equal(t, uint64(1), got.SequenceNumber)
}

func TestMemoryStore_CommitBid(t *testing.T) {
	s := NewMemoryStore()
	a := seedAuction(t, s)
	ctx := context.Background()

	first := &models.Bid{
		ID:        uuid.New(),
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    11000,
		Status:    models.BidStatusAccepted,
		Sequence:  1,
	}
	a1 := a.Clone()
	a1.SequenceNumber = 1
	a1.CurrentPrice = first.Amount
	ev1 := &models.AuctionEvent{
		ID: uuid.New(), AuctionID: a.ID, Sequence: 1,
		Type: models.EventTypePriceUpdated, Payload: json.RawMessage(`{}`),
	}
	assert.Nil(t, s.CommitBid(ctx, a1, first, nil, ev1))

	second := &models.Bid{
		ID:        uuid.New(),
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    12000,
		Status:    models.BidStatusAccepted,
		Sequence:  2,
	}
	a2 := a1.Clone()
	a2.SequenceNumber = 2
	a2.CurrentPrice = second.Amount
	ev2 := &models.AuctionEvent{
		ID: uuid.New(), AuctionID: a.ID, Sequence: 2,
		Type: models.EventTypePriceUpdated, Payload: json.RawMessage(`{}`),
	}
	assert.Nil(t, s.CommitBid(ctx, a2, second, &first.ID, ev2))

	bids, err := s.ListRecentBids(ctx, a.ID, 10)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(bids))
	check.Equal(t, models.BidStatusSuperseded, bids[0].Status)
	check.Equal(t, models.BidStatusAccepted, bids[1].Status)

	got, err := s.GetAuction(ctx, a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(12000), got.CurrentPrice)

	evs, err := s.ListEventsAfter(ctx, a.ID, 0, 10)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(evs))
	check.Equal(t, uint64(1), evs[0].Sequence)
	check.Equal(t, uint64(2), evs[1].Sequence)
}

func TestMemoryStore_ListOpenAuctions_SkipsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	open := seedAuction(t, s)
	ended := seedAuction(t, s)

	done := ended.Clone()
	done.Status = models.AuctionStatusEnded
	done.SequenceNumber = 1
	assert.Nil(t, s.UpdateAuction(ctx, done))

	got, err := s.ListOpenAuctions(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(got))
	check.Equal(t, open.ID, got[0].ID)
}

func TestMemoryStore_ProxyAgents(t *testing.T) {
	s := NewMemoryStore()
	a := seedAuction(t, s)
	ctx := context.Background()

	agent := &models.ProxyAgent{
		AuctionID:     a.ID,
		BidderID:      uuid.New(),
		Ceiling:       50000,
		StepIncrement: 1000,
		Enabled:       true,
		RegisteredAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.Nil(t, s.UpsertProxyAgent(ctx, agent))

	// Upsert replaces the ceiling for the same bidder.
	update := *agent
	update.Ceiling = 60000
	assert.Nil(t, s.UpsertProxyAgent(ctx, &update))

	agents, err := s.ListProxyAgents(ctx, a.ID)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(agents))
	check.Equal(t, int64(60000), agents[0].Ceiling)
}

func TestMemoryStore_ListEventsAfter_Paging(t *testing.T) {
	s := NewMemoryStore()
	a := seedAuction(t, s)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		assert.Nil(t, s.AppendEvent(ctx, &models.AuctionEvent{
			ID: uuid.New(), AuctionID: a.ID, Sequence: i,
			Type: models.EventTypePriceUpdated, Payload: json.RawMessage(`{}`),
		}))
	}

	evs, err := s.ListEventsAfter(ctx, a.ID, 2, 2)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(evs))
	check.Equal(t, uint64(3), evs[0].Sequence)
	check.Equal(t, uint64(4), evs[1].Sequence)
}
