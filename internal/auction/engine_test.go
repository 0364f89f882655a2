package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/eventlog"
	"github.com/matbid/auction-engine/internal/models"
	"github.com/matbid/auction-engine/internal/store"
)

type testHarness struct {
	engine *auction.Engine
	clock  *clockwork.FakeClock
	store  *store.MemoryStore
}

func newHarness(t *testing.T, cfg auction.Config) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	eng := auction.New(cfg, clock, st, nil, nil)
	assert.Nil(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return &testHarness{engine: eng, clock: clock, store: st}
}

func (h *testHarness) createStandard(t *testing.T, mutate func(*auction.Definition)) *models.Auction {
	t.Helper()
	now := h.clock.Now()
	def := &auction.Definition{
		Title:           "vintage synth",
		ItemRef:         "item-1",
		SellerID:        uuid.New(),
		Type:            models.AuctionTypeStandard,
		StartingPrice:   10000,
		IncrementAmount: 1000,
		StartTime:       now.Add(time.Minute),
		EndTime:         now.Add(time.Hour),
	}
	if mutate != nil {
		mutate(def)
	}
	a, err := h.engine.CreateAuction(context.Background(), def)
	assert.Nil(t, err)
	return a
}

// activate advances the fake clock past the start time and waits for the
// lane to open the auction.
func (h *testHarness) activate(t *testing.T, a *models.Auction) {
	t.Helper()
	if d := a.StartTime.Sub(h.clock.Now()); d > 0 {
		h.clock.Advance(d)
	}
	h.waitForStatus(t, a.ID, models.AuctionStatusActive)
}

func (h *testHarness) waitForStatus(t *testing.T, id uuid.UUID, want models.AuctionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.engine.Snapshot(context.Background(), id)
		assert.Nil(t, err)
		if snap.Auction.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("auction %s never reached status %s", id, want)
}

func (h *testHarness) bid(t *testing.T, auctionID, bidderID uuid.UUID, amount int64) *auction.SubmitResult {
	t.Helper()
	res, err := h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	})
	assert.Nil(t, err)
	return res
}

func TestSubmitBid_IncrementRule(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)
	bidder := uuid.New()

	// Starting price 100.00, increment 10.00: 105.00 is short.
	res := h.bid(t, a.ID, bidder, 10500)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectBidTooLow, res.Reason)

	res = h.bid(t, a.ID, bidder, 11000)
	check.True(t, res.Accepted)
	check.Equal(t, int64(11000), res.CurrentPrice)
}

func TestSubmitBid_BeforeStart(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)

	res := h.bid(t, a.ID, uuid.New(), 20000)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectAuctionNotActive, res.Reason)
}

func TestSubmitBid_UnknownAuction(t *testing.T) {
	h := newHarness(t, auction.Config{})
	_, err := h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: uuid.New(),
		BidderID:  uuid.New(),
		Amount:    10000,
	})
	check.Equal(t, auction.ErrAuctionNotFound, err, cmpopts.EquateErrors())
}

func TestSubmitBid_SelfOutbid(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)
	bidder := uuid.New()

	res := h.bid(t, a.ID, bidder, 11000)
	assert.True(t, res.Accepted)

	// The leader raising by less than the increment is rejected.
	res = h.bid(t, a.ID, bidder, 11500)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectBidTooLow, res.Reason)

	res = h.bid(t, a.ID, bidder, 12000)
	check.True(t, res.Accepted)
}

func TestProxyCascade_CeilingNeverExceeded(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, func(d *auction.Definition) {
		d.StartingPrice = 15000
	})
	h.activate(t, a)

	alice := uuid.New()
	bob := uuid.New()

	// Alice automates up to 500.00 with the default step.
	assert.Nil(t, h.engine.RegisterProxyAgent(context.Background(), a.ID, alice, 50000, 0))

	// Bob bids 200.00; Alice's agent counters with 210.00.
	res := h.bid(t, a.ID, bob, 20000)
	assert.True(t, res.Accepted)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(21000), snap.Auction.CurrentPrice)
	last := snap.RecentBids[len(snap.RecentBids)-1]
	check.Equal(t, alice, last.BidderID)
	check.True(t, last.IsProxy)

	// Bob jumps past the ceiling; the agent cannot counter.
	res = h.bid(t, a.ID, bob, 52000)
	assert.True(t, res.Accepted)

	snap, err = h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(52000), snap.Auction.CurrentPrice)
	for _, b := range snap.RecentBids {
		if b.BidderID == alice {
			check.LessThanOrEqual(t, b.Amount, int64(50000))
		}
	}
}

func TestProxyRegistration_AtomicWithBid(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	alice := uuid.New()
	bob := uuid.New()
	ceiling := int64(30000)

	res, err := h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID,
		BidderID:  alice,
		Amount:    11000,
		MaxAmount: &ceiling,
	})
	assert.Nil(t, err)
	assert.True(t, res.Accepted)

	// Bob outbids; Alice's agent fires immediately.
	res = h.bid(t, a.ID, bob, 15000)
	assert.True(t, res.Accepted)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(16000), snap.Auction.CurrentPrice)
	last := snap.RecentBids[len(snap.RecentBids)-1]
	check.Equal(t, alice, last.BidderID)
}

func TestAntiSnipe_ExtendsOncePerBid(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, func(d *auction.Definition) {
		d.ExtensionWindow = 2 * time.Minute
		d.ExtensionAmount = 3 * time.Minute
	})
	h.activate(t, a)

	// Move inside the final two minutes.
	h.clock.Advance(a.EndTime.Sub(h.clock.Now()) - time.Minute)

	res := h.bid(t, a.ID, uuid.New(), 11000)
	assert.True(t, res.Accepted)
	wantEnd := h.clock.Now().Add(3 * time.Minute)
	check.Equal(t, wantEnd, res.EndTime)

	// The next bid lands with three minutes left, outside the window.
	res = h.bid(t, a.ID, uuid.New(), 12000)
	assert.True(t, res.Accepted)
	check.Equal(t, wantEnd, res.EndTime)

	evs, err := h.engine.EventsAfter(context.Background(), a.ID, 0)
	assert.Nil(t, err)
	extensions := 0
	for _, ev := range evs {
		if ev.Type == models.EventTypeTimeExtended {
			extensions++
		}
	}
	check.Equal(t, 1, extensions)
}

func TestBuyItNow_TerminalAccept(t *testing.T) {
	h := newHarness(t, auction.Config{})
	price := int64(100000)
	a := h.createStandard(t, func(d *auction.Definition) {
		d.Type = models.AuctionTypeBuyItNow
		d.BuyItNowPrice = &price
	})
	h.activate(t, a)

	winner := uuid.New()
	res := h.bid(t, a.ID, winner, 100000)
	assert.True(t, res.Accepted)

	h.waitForStatus(t, a.ID, models.AuctionStatusEnded)
	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(100000), snap.Auction.CurrentPrice)
	assert.NotNil(t, snap.Auction.WinningBidID)
	check.Equal(t, res.BidID, *snap.Auction.WinningBidID)

	// The auction is closed; further bids are rejected.
	late := h.bid(t, a.ID, uuid.New(), 110000)
	check.False(t, late.Accepted)
	check.Equal(t, auction.RejectAuctionClosed, late.Reason)
}

func TestSubmitBid_IdempotentNonce(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)
	bidder := uuid.New()

	req := &auction.SubmitRequest{
		AuctionID:   a.ID,
		BidderID:    bidder,
		Amount:      11000,
		ClientNonce: "retry-1",
	}
	first, err := h.engine.SubmitBid(context.Background(), req)
	assert.Nil(t, err)
	assert.True(t, first.Accepted)

	second, err := h.engine.SubmitBid(context.Background(), req)
	assert.Nil(t, err)
	check.True(t, second.Accepted)
	check.True(t, second.Duplicate)
	check.Equal(t, first.BidID, second.BidID)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, 1, len(snap.RecentBids))
	check.Equal(t, int64(11000), snap.Auction.CurrentPrice)
}

func TestEvents_GapFreeSequences(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	amount := int64(11000)
	for i := 0; i < 5; i++ {
		res := h.bid(t, a.ID, uuid.New(), amount)
		assert.True(t, res.Accepted)
		amount += 1000
	}

	evs, err := h.engine.EventsAfter(context.Background(), a.ID, 0)
	assert.Nil(t, err)
	assert.Equal(t, 6, len(evs)) // started + five price updates
	for i, ev := range evs {
		check.Equal(t, uint64(i+1), ev.Sequence)
	}
	check.Equal(t, models.EventTypeAuctionStarted, evs[0].Type)
}

func TestEvents_GapBeyondWindow(t *testing.T) {
	h := newHarness(t, auction.Config{EventWindow: 3})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	amount := int64(11000)
	for i := 0; i < 5; i++ {
		res := h.bid(t, a.ID, uuid.New(), amount)
		assert.True(t, res.Accepted)
		amount += 1000
	}

	_, err := h.engine.EventsAfter(context.Background(), a.ID, 0)
	check.Equal(t, eventlog.ErrGapTooLarge, err, cmpopts.EquateErrors())

	// The tail of the window still serves incremental resync.
	evs, err := h.engine.EventsAfter(context.Background(), a.ID, 4)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(evs))
	check.Equal(t, uint64(5), evs[0].Sequence)
	check.Equal(t, uint64(6), evs[1].Sequence)
}

func TestReserveAuction_NoWinnerBelowReserve(t *testing.T) {
	h := newHarness(t, auction.Config{})
	reserve := int64(30000)
	a := h.createStandard(t, func(d *auction.Definition) {
		d.Type = models.AuctionTypeReserve
		d.ReservePrice = &reserve
	})
	h.activate(t, a)

	res := h.bid(t, a.ID, uuid.New(), 20000)
	assert.True(t, res.Accepted)

	h.clock.Advance(a.EndTime.Sub(h.clock.Now()))
	h.waitForStatus(t, a.ID, models.AuctionStatusEnded)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.False(t, snap.ReserveMet)
	check.Equal(t, (*uuid.UUID)(nil), snap.Auction.WinningBidID)
}

func TestDutchAuction_DecrementsAndFirstTaker(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, func(d *auction.Definition) {
		d.Type = models.AuctionTypeDutch
		d.IncrementAmount = 0
		d.Dutch = &models.DutchParams{
			DecrementAmount:   1000,
			DecrementInterval: time.Minute,
			MinimumPrice:      7000,
		}
	})
	h.activate(t, a)

	h.clock.Advance(time.Minute)
	h.waitForPrice(t, a.ID, 9000)

	// Two more intervals floor the price at the minimum.
	h.clock.Advance(2 * time.Minute)
	h.waitForPrice(t, a.ID, 7000)
	h.clock.Advance(5 * time.Minute)
	h.waitForPrice(t, a.ID, 7000)

	// A bid below the scheduled price is rejected.
	res := h.bid(t, a.ID, uuid.New(), 6000)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectBidTooLow, res.Reason)

	// First taker at the scheduled price wins outright.
	winner := uuid.New()
	res = h.bid(t, a.ID, winner, 7000)
	assert.True(t, res.Accepted)
	h.waitForStatus(t, a.ID, models.AuctionStatusEnded)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(7000), snap.Auction.CurrentPrice)
	assert.NotNil(t, snap.Auction.WinningBidID)
}

func TestBulkAuction_QuantityBounds(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, func(d *auction.Definition) {
		d.Type = models.AuctionTypeBulk
		d.Bulk = &models.BulkParams{MinQuantityPerBid: 2, MaxQuantityPerBid: 5}
	})
	h.activate(t, a)
	bidder := uuid.New()

	res, err := h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID, BidderID: bidder, Amount: 11000, Quantity: 1,
	})
	assert.Nil(t, err)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectInvalidQuantity, res.Reason)

	res, err = h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID, BidderID: bidder, Amount: 11000, Quantity: 3,
	})
	assert.Nil(t, err)
	check.True(t, res.Accepted)
}

func TestCancelAuction_RejectsFurtherBids(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	assert.Nil(t, h.engine.CancelAuction(context.Background(), a.ID, "listing error"))
	h.waitForStatus(t, a.ID, models.AuctionStatusCancelled)

	res := h.bid(t, a.ID, uuid.New(), 20000)
	check.False(t, res.Accepted)
	check.Equal(t, auction.RejectAuctionClosed, res.Reason)

	// Cancelling again is a conflict.
	check.Equal(t, auction.ErrAuctionClosed, h.engine.CancelAuction(context.Background(), a.ID, "again"), cmpopts.EquateErrors())
}

func TestAuctionEnd_AtDeadline(t *testing.T) {
	h := newHarness(t, auction.Config{})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	winner := uuid.New()
	res := h.bid(t, a.ID, winner, 11000)
	assert.True(t, res.Accepted)

	h.clock.Advance(a.EndTime.Sub(h.clock.Now()))
	h.waitForStatus(t, a.ID, models.AuctionStatusEnded)

	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.True(t, snap.ReserveMet)
	assert.NotNil(t, snap.Auction.WinningBidID)
	check.Equal(t, res.BidID, *snap.Auction.WinningBidID)
	assert.NotNil(t, snap.Outcome)
	check.Equal(t, res.BidID, *snap.Outcome.WinnerBidID)
	check.Equal(t, winner, *snap.Outcome.WinnerUserID)
	check.Equal(t, int64(11000), snap.Outcome.FinalPrice)

	evs, err := h.engine.EventsAfter(context.Background(), a.ID, 0)
	assert.Nil(t, err)
	check.Equal(t, models.EventTypeAuctionEnded, evs[len(evs)-1].Type)
}

func TestLaneRetire_AfterTerminalLinger(t *testing.T) {
	h := newHarness(t, auction.Config{TerminalLinger: time.Minute})
	a := h.createStandard(t, nil)
	h.activate(t, a)

	bidder := uuid.New()
	res := h.bid(t, a.ID, bidder, 11000)
	assert.True(t, res.Accepted)

	h.clock.Advance(a.EndTime.Sub(h.clock.Now()))
	h.waitForStatus(t, a.ID, models.AuctionStatusEnded)
	check.Equal(t, 1, h.engine.LaneCount())

	h.clock.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for h.engine.LaneCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, h.engine.LaneCount())

	// The finished auction stays reachable through the store-backed paths.
	snap, err := h.engine.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, models.AuctionStatusEnded, snap.Auction.Status)
	assert.NotNil(t, snap.Outcome)
	check.Equal(t, res.BidID, *snap.Outcome.WinnerBidID)

	late, err := h.engine.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID,
		BidderID:  uuid.New(),
		Amount:    20000,
	})
	assert.Nil(t, err)
	check.False(t, late.Accepted)
	check.Equal(t, auction.RejectAuctionClosed, late.Reason)

	err = h.engine.CancelAuction(context.Background(), a.ID, "too late")
	check.True(t, errors.Is(err, auction.ErrAuctionClosed))
}

func TestEngineRestart_RestoresLanes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()

	eng := auction.New(auction.Config{}, clock, st, nil, nil)
	assert.Nil(t, eng.Start(context.Background()))

	now := clock.Now()
	a, err := eng.CreateAuction(context.Background(), &auction.Definition{
		Title:           "carryover",
		SellerID:        uuid.New(),
		Type:            models.AuctionTypeStandard,
		StartingPrice:   10000,
		IncrementAmount: 1000,
		StartTime:       now.Add(time.Minute),
		EndTime:         now.Add(time.Hour),
	})
	assert.Nil(t, err)
	clock.Advance(time.Minute)
	waitActive(t, eng, a.ID)

	bidder := uuid.New()
	res, err := eng.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID, BidderID: bidder, Amount: 11000, ClientNonce: "n-1",
	})
	assert.Nil(t, err)
	assert.True(t, res.Accepted)
	eng.Stop()

	// A fresh engine over the same store picks the auction back up.
	eng2 := auction.New(auction.Config{}, clock, st, nil, nil)
	assert.Nil(t, eng2.Start(context.Background()))
	t.Cleanup(eng2.Stop)

	snap, err := eng2.Snapshot(context.Background(), a.ID)
	assert.Nil(t, err)
	check.Equal(t, int64(11000), snap.Auction.CurrentPrice)
	check.Equal(t, models.AuctionStatusActive, snap.Auction.Status)

	// The event window survives the restart.
	evs, err := eng2.EventsAfter(context.Background(), a.ID, 0)
	assert.Nil(t, err)
	check.Equal(t, 2, len(evs))

	// Nonce replay still holds across the restart.
	replay, err := eng2.SubmitBid(context.Background(), &auction.SubmitRequest{
		AuctionID: a.ID, BidderID: bidder, Amount: 11000, ClientNonce: "n-1",
	})
	assert.Nil(t, err)
	check.True(t, replay.Duplicate)
	check.Equal(t, res.BidID, replay.BidID)
}

func (h *testHarness) waitForPrice(t *testing.T, id uuid.UUID, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.engine.Snapshot(context.Background(), id)
		assert.Nil(t, err)
		if snap.Auction.CurrentPrice == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("auction %s never reached price %d", id, want)
}

func waitActive(t *testing.T, eng *auction.Engine, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := eng.Snapshot(context.Background(), id)
		assert.Nil(t, err)
		if snap.Auction.Status == models.AuctionStatusActive {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("auction %s never became active", id)
}
