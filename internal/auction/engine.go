// Package auction implements the live bidding engine: auction lifecycle,
// serialized bid admission, proxy bidding, and anti-snipe extension. Each
// auction is owned by one admission lane goroutine; the Engine routes
// requests to lanes and owns their lifecycle.
package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/eventlog"
	"github.com/matbid/auction-engine/internal/metrics"
	"github.com/matbid/auction-engine/internal/models"
	"github.com/matbid/auction-engine/internal/store"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// LaneBuffer is the request queue depth per admission lane.
	LaneBuffer int
	// SubmitTimeout bounds how long a submission waits for a lane slot
	// before failing with ErrLaneUnavailable.
	SubmitTimeout time.Duration
	// EventWindow is the per-auction in-memory event retention used to
	// serve resyncs without a full snapshot.
	EventWindow int
	// RecentBids is how many admitted bids a snapshot carries.
	RecentBids int
	// TerminalLinger is how long a finished auction's lane stays up to
	// serve late snapshots and resyncs from memory before it is torn down.
	TerminalLinger time.Duration
}

func (c Config) withDefaults() Config {
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 256
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.EventWindow <= 0 {
		c.EventWindow = 512
	}
	if c.RecentBids <= 0 {
		c.RecentBids = 50
	}
	if c.TerminalLinger <= 0 {
		c.TerminalLinger = 5 * time.Minute
	}
	return c
}

// Engine routes auction operations to per-auction admission lanes.
type Engine struct {
	cfg     Config
	clock   clockwork.Clock
	store   store.Store
	pub     Publisher
	metrics metrics.Collector

	mu    sync.RWMutex
	lanes map[uuid.UUID]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, clock clockwork.Clock, st store.Store, pub Publisher, collector metrics.Collector) *Engine {
	if pub == nil {
		pub = NopPublisher{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		store:   st,
		pub:     pub,
		metrics: collector,
		lanes:   make(map[uuid.UUID]*lane),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// SetPublisher swaps the event publisher. Must be called before Start.
func (e *Engine) SetPublisher(pub Publisher) {
	if pub != nil {
		e.pub = pub
	}
}

// Start restores lanes for every non-terminal auction and begins serving.
func (e *Engine) Start(ctx context.Context) error {
	open, err := e.store.ListOpenAuctions(ctx)
	if err != nil {
		return err
	}
	for _, a := range open {
		l, err := e.restoreLane(ctx, a)
		if err != nil {
			log.Error().Err(err).Str("auction_id", a.ID.String()).Msg("failed to restore auction lane")
			continue
		}
		e.startLane(l)
	}
	log.Info().Int("lanes", len(open)).Msg("auction engine started")
	return nil
}

// Stop cancels all lanes and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Info().Msg("auction engine stopped")
}

// restoreLane rebuilds in-memory lane state from the store after a restart:
// recent bids, proxy agents, and the tail of the event log so resync keeps
// working across the restart.
func (e *Engine) restoreLane(ctx context.Context, a *models.Auction) (*lane, error) {
	l := newLane(e, a)

	bids, err := e.store.ListRecentBids(ctx, a.ID, e.cfg.RecentBids)
	if err != nil {
		return nil, err
	}
	l.recentBids = bids
	for i := len(bids) - 1; i >= 0; i-- {
		if bids[i].Status == models.BidStatusAccepted {
			l.currentBid = bids[i]
			break
		}
	}
	for _, b := range bids {
		if b.ClientNonce == "" {
			continue
		}
		l.nonces[nonceKey(b.BidderID, b.ClientNonce)] = &SubmitResult{
			Accepted:     b.Status == models.BidStatusAccepted || b.Status == models.BidStatusSuperseded,
			BidID:        b.ID,
			CurrentPrice: b.Amount,
			Sequence:     b.Sequence,
			EndTime:      a.EndTime,
		}
	}

	agents, err := e.store.ListProxyAgents(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for _, agent := range agents {
		l.putAgent(agent)
	}

	var after uint64
	if a.SequenceNumber > uint64(e.cfg.EventWindow) {
		after = a.SequenceNumber - uint64(e.cfg.EventWindow)
	}
	evs, err := e.store.ListEventsAfter(ctx, a.ID, after, e.cfg.EventWindow)
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		l.log.Append(ev)
	}

	if a.Status == models.AuctionStatusActive && a.Dutch != nil {
		l.nextDecrementAt = e.clock.Now().Add(a.Dutch.DecrementInterval)
	}
	return l, nil
}

func (e *Engine) startLane(l *lane) {
	e.mu.Lock()
	e.lanes[l.auction.ID] = l
	e.mu.Unlock()
	e.wg.Add(1)
	go l.run(e.ctx)
	e.metrics.LanesActive(e.LaneCount())
}

// removeLane drops a retired lane from the routing table; later requests
// for the auction fall through to the store-backed paths.
func (e *Engine) removeLane(l *lane) {
	e.mu.Lock()
	if e.lanes[l.auction.ID] == l {
		delete(e.lanes, l.auction.ID)
	}
	e.mu.Unlock()
	e.metrics.LanesActive(e.LaneCount())
}

func (e *Engine) lane(auctionID uuid.UUID) *lane {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lanes[auctionID]
}

// LaneCount reports the number of live admission lanes.
func (e *Engine) LaneCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.lanes)
}

// CreateAuction validates the definition, persists the new auction, and
// spins up its admission lane. The lane activates the auction when the
// start time arrives, immediately if it is already past.
func (e *Engine) CreateAuction(ctx context.Context, d *Definition) (*models.Auction, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	a := newAuction(d, e.clock.Now())
	if err := e.store.CreateAuction(ctx, a); err != nil {
		return nil, err
	}
	e.startLane(newLane(e, a))
	log.Info().
		Str("auction_id", a.ID.String()).
		Str("type", string(a.Type)).
		Int64("starting_price", a.StartingPrice).
		Time("start_time", a.StartTime).
		Time("end_time", a.EndTime).
		Msg("auction created")
	return a.Clone(), nil
}

// SubmitBid routes one bid through the auction's admission lane and returns
// the synchronous outcome.
func (e *Engine) SubmitBid(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	l := e.lane(req.AuctionID)
	if l == nil {
		// Retired lanes leave a terminal row behind; bids against it get
		// the closed rejection rather than not-found.
		a, err := e.store.GetAuction(ctx, req.AuctionID)
		if err != nil || !a.Status.Terminal() {
			return nil, ErrAuctionNotFound
		}
		return &SubmitResult{
			Accepted:     false,
			Reason:       RejectAuctionClosed,
			CurrentPrice: a.CurrentPrice,
			Sequence:     a.SequenceNumber,
			EndTime:      a.EndTime,
		}, nil
	}
	resp, err := e.roundTrip(ctx, l, laneRequest{op: opSubmit, submit: req})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// RegisterProxyAgent installs or updates an auto-bidder with the given
// ceiling. Step increments below the auction increment are raised to it.
func (e *Engine) RegisterProxyAgent(ctx context.Context, auctionID, bidderID uuid.UUID, ceiling, step int64) error {
	l := e.lane(auctionID)
	if l == nil {
		return e.laneGoneErr(ctx, auctionID)
	}
	agent := &models.ProxyAgent{
		AuctionID:     auctionID,
		BidderID:      bidderID,
		Ceiling:       ceiling,
		StepIncrement: step,
		Enabled:       true,
		RegisteredAt:  e.clock.Now(),
	}
	resp, err := e.roundTrip(ctx, l, laneRequest{op: opRegisterProxy, agent: agent})
	if err != nil {
		return err
	}
	return resp.err
}

// DisableProxyAgent turns off the bidder's auto-bidder. Bids it already
// placed stand.
func (e *Engine) DisableProxyAgent(ctx context.Context, auctionID, bidderID uuid.UUID) error {
	l := e.lane(auctionID)
	if l == nil {
		return e.laneGoneErr(ctx, auctionID)
	}
	resp, err := e.roundTrip(ctx, l, laneRequest{op: opDisableProxy, bidderID: bidderID})
	if err != nil {
		return err
	}
	return resp.err
}

// CancelAuction moves a non-terminal auction to cancelled. No winner is
// produced and subsequent bids are rejected.
func (e *Engine) CancelAuction(ctx context.Context, auctionID uuid.UUID, reason string) error {
	l := e.lane(auctionID)
	if l == nil {
		return e.laneGoneErr(ctx, auctionID)
	}
	resp, err := e.roundTrip(ctx, l, laneRequest{op: opCancel, reason: reason})
	if err != nil {
		return err
	}
	return resp.err
}

// laneGoneErr maps a missing lane onto the right error: closed when the
// auction finished and its lane retired, not-found otherwise.
func (e *Engine) laneGoneErr(ctx context.Context, auctionID uuid.UUID) error {
	a, err := e.store.GetAuction(ctx, auctionID)
	if err != nil || !a.Status.Terminal() {
		return ErrAuctionNotFound
	}
	return ErrAuctionClosed
}

// Snapshot returns the authoritative current state for joins and resync
// fallback, built on the lane so it can never interleave with a commit.
func (e *Engine) Snapshot(ctx context.Context, auctionID uuid.UUID) (*Snapshot, error) {
	l := e.lane(auctionID)
	if l == nil {
		a, err := e.store.GetAuction(ctx, auctionID)
		if err != nil {
			return nil, ErrAuctionNotFound
		}
		// Terminal auctions have no lane; the stored row is final.
		bids, err := e.store.ListRecentBids(ctx, auctionID, e.cfg.RecentBids)
		if err != nil {
			return nil, err
		}
		now := e.clock.Now()
		snap := &Snapshot{
			Auction:    a,
			RecentBids: bids,
			Sequence:   a.SequenceNumber,
			ReserveMet: a.ReserveMet(),
			EndingSoon: a.EndingSoon(now),
			ServerTime: now,
		}
		if a.Status == models.AuctionStatusEnded {
			snap.Outcome = outcomeFromRow(a, bids)
		}
		return snap, nil
	}
	resp, err := e.roundTrip(ctx, l, laneRequest{op: opSnapshot})
	if err != nil {
		return nil, err
	}
	return resp.snapshot, nil
}

// outcomeFromRow reconstructs the result of an ended auction from its
// persisted row and recent bids.
func outcomeFromRow(a *models.Auction, bids []*models.Bid) *models.AuctionOutcome {
	out := &models.AuctionOutcome{
		AuctionID:  a.ID,
		FinalPrice: a.CurrentPrice,
		ReserveMet: a.ReserveMet(),
		EndedAt:    a.UpdatedAt,
	}
	if a.WinningBidID == nil {
		return out
	}
	out.WinnerBidID = a.WinningBidID
	for _, b := range bids {
		if b.ID == *a.WinningBidID {
			bidder := b.BidderID
			out.WinnerUserID = &bidder
			break
		}
	}
	return out
}

// EventsAfter returns the committed events with sequence greater than
// after, in order and gap-free. ErrGapTooLarge means the window no longer
// covers the client's position and a full snapshot is required.
func (e *Engine) EventsAfter(ctx context.Context, auctionID uuid.UUID, after uint64) ([]*models.AuctionEvent, error) {
	l := e.lane(auctionID)
	if l == nil {
		evs, err := e.store.ListEventsAfter(ctx, auctionID, after, e.cfg.EventWindow)
		if err != nil {
			return nil, err
		}
		if len(evs) > 0 && evs[0].Sequence != after+1 {
			return nil, eventlog.ErrGapTooLarge
		}
		return evs, nil
	}
	return l.log.EventsAfter(after)
}

// ListActive returns snapshots of every auction with a live lane.
func (e *Engine) ListActive(ctx context.Context) ([]*Snapshot, error) {
	e.mu.RLock()
	lanes := make([]*lane, 0, len(e.lanes))
	for _, l := range e.lanes {
		lanes = append(lanes, l)
	}
	e.mu.RUnlock()

	out := make([]*Snapshot, 0, len(lanes))
	for _, l := range lanes {
		resp, err := e.roundTrip(ctx, l, laneRequest{op: opSnapshot})
		if err != nil {
			// A lane that retired mid-iteration is just absent from the
			// listing, like any other finished auction.
			if errors.Is(err, ErrLaneUnavailable) {
				continue
			}
			return nil, err
		}
		if resp.snapshot.Auction.Status.Terminal() {
			continue
		}
		out = append(out, resp.snapshot)
	}
	return out, nil
}

// roundTrip sends one request to a lane and waits for its response. A full
// queue past the submit timeout is reported as ErrLaneUnavailable so the
// caller can retry with the same nonce.
func (e *Engine) roundTrip(ctx context.Context, l *lane, req laneRequest) (laneResponse, error) {
	req.resp = make(chan laneResponse, 1)

	timeout := e.clock.NewTimer(e.cfg.SubmitTimeout)
	defer timeout.Stop()

	select {
	case l.requests <- req:
	case <-timeout.Chan():
		return laneResponse{}, ErrLaneUnavailable
	case <-ctx.Done():
		return laneResponse{}, ctx.Err()
	case <-e.ctx.Done():
		return laneResponse{}, ErrEngineStopped
	}

	select {
	case resp := <-req.resp:
		return resp, nil
	case <-timeout.Chan():
		// The lane may have retired between routing and enqueue; the
		// caller retries and lands on the store-backed path.
		return laneResponse{}, ErrLaneUnavailable
	case <-ctx.Done():
		return laneResponse{}, ctx.Err()
	case <-e.ctx.Done():
		return laneResponse{}, ErrEngineStopped
	}
}
