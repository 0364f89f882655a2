package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/auction/events"
	"github.com/matbid/auction-engine/internal/eventlog"
	"github.com/matbid/auction-engine/internal/models"
)

// maxCascade bounds a single proxy cascade. Convergence is guaranteed by the
// ceiling bound; this is a hard stop against misconfigured agents.
const maxCascade = 1000

// idleWake is the timer period for lanes with nothing scheduled.
const idleWake = time.Hour

type laneOp int

const (
	opSubmit laneOp = iota
	opRegisterProxy
	opDisableProxy
	opCancel
	opSnapshot
)

type laneRequest struct {
	op       laneOp
	submit   *SubmitRequest
	agent    *models.ProxyAgent
	bidderID uuid.UUID
	reason   string
	resp     chan laneResponse
}

type laneResponse struct {
	result   *SubmitResult
	snapshot *Snapshot
	err      error
}

// lane is the serialized admission context for one auction: the sole writer
// of its price, bid list, proxy agents, and sequence number. Every mutation,
// including timer-driven lifecycle transitions, runs on the lane goroutine.
type lane struct {
	eng     *Engine
	auction *models.Auction

	currentBid *models.Bid
	recentBids []*models.Bid
	agents     []*models.ProxyAgent // ordered by RegisteredAt
	nonces     map[string]*SubmitResult

	log      *eventlog.Ring
	requests chan laneRequest

	nextDecrementAt time.Time
	outcome         *models.AuctionOutcome

	// retireAt is set when the auction reaches a terminal status; the lane
	// keeps serving from memory until then, after which the engine's
	// store-backed paths take over.
	retireAt time.Time
}

func newLane(eng *Engine, a *models.Auction) *lane {
	return &lane{
		eng:      eng,
		auction:  a,
		nonces:   make(map[string]*SubmitResult),
		log:      eventlog.NewRing(eng.cfg.EventWindow),
		requests: make(chan laneRequest, eng.cfg.LaneBuffer),
	}
}

func (l *lane) run(ctx context.Context) {
	defer l.eng.wg.Done()

	timer := l.eng.clock.NewTimer(idleWake)
	defer timer.Stop()

	for {
		if !l.retireAt.IsZero() && !l.eng.clock.Now().Before(l.retireAt) {
			l.retire(ctx)
			return
		}

		stopAndDrainTimer(timer)
		if wake, ok := l.nextWake(); ok {
			d := wake.Sub(l.eng.clock.Now())
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(idleWake)
		}

		select {
		case <-ctx.Done():
			return
		case req := <-l.requests:
			l.handle(ctx, req)
		case <-timer.Chan():
			l.advance(ctx)
		}
	}
}

// retire removes the lane from the engine's routing table and answers
// whatever was already queued before the goroutine exits.
func (l *lane) retire(ctx context.Context) {
	l.eng.removeLane(l)
	for {
		select {
		case req := <-l.requests:
			l.handle(ctx, req)
		default:
			log.Info().Str("auction_id", l.auction.ID.String()).Msg("admission lane retired")
			return
		}
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel, following
// the pattern in the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// nextWake returns the next scheduled lifecycle deadline for this auction.
func (l *lane) nextWake() (time.Time, bool) {
	switch l.auction.Status {
	case models.AuctionStatusUpcoming:
		return l.auction.StartTime, true
	case models.AuctionStatusActive:
		wake := l.auction.EndTime
		if l.auction.Dutch != nil &&
			l.auction.CurrentPrice > l.auction.Dutch.MinimumPrice &&
			l.nextDecrementAt.Before(wake) {
			wake = l.nextDecrementAt
		}
		return wake, true
	}
	if !l.retireAt.IsZero() {
		return l.retireAt, true
	}
	return time.Time{}, false
}

// advance applies every lifecycle transition that is due: activation,
// dutch decrements, and close. Runs on the lane goroutine, so no admission
// is ever in flight while the auction transitions.
func (l *lane) advance(ctx context.Context) {
	now := l.eng.clock.Now()

	if l.auction.Status == models.AuctionStatusUpcoming && !now.Before(l.auction.StartTime) {
		if err := l.activate(ctx, now); err != nil {
			log.Error().Err(err).Str("auction_id", l.auction.ID.String()).Msg("failed to activate auction")
			return
		}
	}
	if l.auction.Status != models.AuctionStatusActive {
		return
	}
	if l.auction.Dutch != nil {
		for !now.Before(l.nextDecrementAt) &&
			l.auction.CurrentPrice > l.auction.Dutch.MinimumPrice &&
			now.Before(l.auction.EndTime) {
			if err := l.decrement(ctx, now); err != nil {
				log.Error().Err(err).Str("auction_id", l.auction.ID.String()).Msg("failed to apply dutch decrement")
				break
			}
		}
	}
	if !now.Before(l.auction.EndTime) {
		if err := l.end(ctx, now); err != nil {
			log.Error().Err(err).Str("auction_id", l.auction.ID.String()).Msg("failed to end auction")
		}
	}
}

func (l *lane) handle(ctx context.Context, req laneRequest) {
	var resp laneResponse
	switch req.op {
	case opSubmit:
		resp.result, resp.err = l.handleSubmit(ctx, req.submit)
	case opRegisterProxy:
		resp.err = l.handleRegisterProxy(ctx, req.agent)
	case opDisableProxy:
		resp.err = l.handleDisableProxy(ctx, req.bidderID)
	case opCancel:
		resp.err = l.handleCancel(ctx, req.reason)
	case opSnapshot:
		resp.snapshot = l.buildSnapshot()
	}
	req.resp <- resp
}

func (l *lane) handleSubmit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	now := l.eng.clock.Now()

	if req.ClientNonce != "" {
		if prior, ok := l.nonces[nonceKey(req.BidderID, req.ClientNonce)]; ok {
			replay := *prior
			replay.Duplicate = true
			log.Debug().
				Str("auction_id", l.auction.ID.String()).
				Str("bidder_id", req.BidderID.String()).
				Str("client_nonce", req.ClientNonce).
				Msg("replaying prior bid result for duplicate nonce")
			return &replay, nil
		}
	}

	// A non-nil max amount registers/updates the bidder's proxy agent
	// atomically with the bid itself.
	if req.MaxAmount != nil && !l.auction.Status.Terminal() {
		agent := &models.ProxyAgent{
			AuctionID:     l.auction.ID,
			BidderID:      req.BidderID,
			Ceiling:       *req.MaxAmount,
			StepIncrement: l.auction.IncrementAmount,
			Enabled:       true,
			RegisteredAt:  now,
		}
		if err := l.handleRegisterProxy(ctx, agent); err != nil {
			log.Warn().Err(err).
				Str("auction_id", l.auction.ID.String()).
				Str("bidder_id", req.BidderID.String()).
				Msg("failed to register proxy agent with bid")
		}
	}

	res, err := l.admit(ctx, req, now, false)
	if err != nil {
		return nil, err
	}

	if res.Accepted && l.auction.Status == models.AuctionStatusActive {
		cascade := l.runCascade(ctx, now)
		l.eng.metrics.CascadeLength(cascade)
		// Extension is decided once per human-submitted bid, after the
		// whole cascade settles, so proxy wars cannot extend repeatedly.
		l.maybeExtend(ctx, now)
	}
	res.EndTime = l.auction.EndTime

	if req.ClientNonce != "" {
		l.nonces[nonceKey(req.BidderID, req.ClientNonce)] = res
	}
	return res, nil
}

// admit runs the validation chain and commits the bid if it passes.
// First failing check wins.
func (l *lane) admit(ctx context.Context, req *SubmitRequest, now time.Time, isProxy bool) (*SubmitResult, error) {
	a := l.auction

	switch a.Status {
	case models.AuctionStatusUpcoming:
		return l.reject(RejectAuctionNotActive), nil
	case models.AuctionStatusEnded, models.AuctionStatusCancelled:
		return l.reject(RejectAuctionClosed), nil
	}

	// Buy-it-now is a terminal accept that bypasses increment checks.
	if a.BuyItNowPrice != nil && a.Dutch == nil && req.Amount == *a.BuyItNowPrice {
		return l.acceptBid(ctx, req, now, isProxy, true)
	}

	if a.Dutch != nil {
		// First taker at or above the scheduled price wins.
		if req.Amount < a.CurrentPrice {
			return l.reject(RejectBidTooLow), nil
		}
		return l.acceptBid(ctx, req, now, isProxy, true)
	}

	if req.Amount < a.CurrentPrice+a.IncrementAmount {
		return l.reject(RejectBidTooLow), nil
	}
	if a.Bulk != nil {
		if req.Quantity < a.Bulk.MinQuantityPerBid || req.Quantity > a.Bulk.MaxQuantityPerBid {
			return l.reject(RejectInvalidQuantity), nil
		}
	}
	if l.currentBid != nil && l.currentBid.BidderID == req.BidderID &&
		req.Amount < l.currentBid.Amount+a.IncrementAmount {
		return l.reject(RejectSelfOutbid), nil
	}

	return l.acceptBid(ctx, req, now, isProxy, false)
}

func (l *lane) reject(reason RejectReason) *SubmitResult {
	l.eng.metrics.BidRejected(string(reason))
	return &SubmitResult{
		Accepted:     false,
		Reason:       reason,
		CurrentPrice: l.auction.CurrentPrice,
		Sequence:     l.auction.SequenceNumber,
		EndTime:      l.auction.EndTime,
	}
}

// acceptBid commits an accepted bid: supersede the predecessor, move the
// price, assign the next sequence number, persist atomically, then publish.
func (l *lane) acceptBid(ctx context.Context, req *SubmitRequest, now time.Time, isProxy, terminal bool) (*SubmitResult, error) {
	a := l.auction.Clone()
	a.CurrentPrice = req.Amount
	a.SequenceNumber++
	a.UpdatedAt = now

	bid := &models.Bid{
		ID:          uuid.New(),
		AuctionID:   a.ID,
		BidderID:    req.BidderID,
		Amount:      req.Amount,
		Quantity:    req.Quantity,
		SubmittedAt: now,
		AdmittedAt:  &now,
		Status:      models.BidStatusAccepted,
		IsProxy:     isProxy,
		ClientNonce: req.ClientNonce,
		Sequence:    a.SequenceNumber,
	}
	a.WinningBidID = &bid.ID

	var superseded *uuid.UUID
	if l.currentBid != nil {
		superseded = &l.currentBid.ID
	}

	ev, err := newEvent(a, models.EventTypePriceUpdated, events.PriceUpdatedPayload{
		AuctionID: a.ID.String(),
		NewPrice:  a.CurrentPrice,
		BidID:     &bid.ID,
		BidderID:  &bid.BidderID,
		IsProxy:   isProxy,
		UpdatedAt: now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := l.eng.store.CommitBid(ctx, a, bid, superseded, ev); err != nil {
		return nil, fmt.Errorf("failed to commit bid: %w", err)
	}

	if l.currentBid != nil {
		l.currentBid.Status = models.BidStatusSuperseded
	}
	l.currentBid = bid
	l.auction = a
	l.appendRecent(bid)
	l.emit(ctx, ev)
	l.eng.metrics.BidAdmitted(isProxy)

	log.Info().
		Str("auction_id", a.ID.String()).
		Str("bid_id", bid.ID.String()).
		Str("bidder_id", bid.BidderID.String()).
		Int64("amount", bid.Amount).
		Uint64("sequence", bid.Sequence).
		Bool("is_proxy", isProxy).
		Msg("bid admitted")

	if terminal {
		if err := l.end(ctx, now); err != nil {
			return nil, err
		}
	}

	return &SubmitResult{
		Accepted:     true,
		BidID:        bid.ID,
		CurrentPrice: a.CurrentPrice,
		Sequence:     bid.Sequence,
		EndTime:      l.auction.EndTime,
	}, nil
}

// maybeExtend applies the anti-snipe rule: one extension decision per
// accepted human bid, after any cascade has settled.
func (l *lane) maybeExtend(ctx context.Context, now time.Time) {
	a := l.auction
	if a.Status != models.AuctionStatusActive || a.ExtensionWindow <= 0 {
		return
	}
	if a.EndTime.Sub(now) > a.ExtensionWindow {
		return
	}

	clone := a.Clone()
	clone.EndTime = now.Add(a.ExtensionAmount)
	clone.SequenceNumber++
	clone.UpdatedAt = now

	ev, err := newEvent(clone, models.EventTypeTimeExtended, events.TimeExtendedPayload{
		AuctionID:  clone.ID.String(),
		NewEndTime: clone.EndTime,
		ExtendedAt: now,
	}, now)
	if err != nil {
		log.Error().Err(err).Str("auction_id", a.ID.String()).Msg("failed to build extension event")
		return
	}
	if err := l.commitMutation(ctx, clone, ev); err != nil {
		log.Error().Err(err).Str("auction_id", a.ID.String()).Msg("failed to commit extension")
		return
	}
	l.eng.metrics.TimeExtended()
	log.Info().
		Str("auction_id", clone.ID.String()).
		Time("new_end_time", clone.EndTime).
		Uint64("sequence", clone.SequenceNumber).
		Msg("auction deadline extended")
}

func (l *lane) activate(ctx context.Context, now time.Time) error {
	clone := l.auction.Clone()
	clone.Status = models.AuctionStatusActive
	clone.SequenceNumber++
	clone.UpdatedAt = now

	ev, err := newEvent(clone, models.EventTypeAuctionStarted, events.AuctionStartedPayload{
		AuctionID:     clone.ID.String(),
		AuctionType:   string(clone.Type),
		StartingPrice: clone.StartingPrice,
		StartedAt:     now,
		EndTime:       clone.EndTime,
	}, now)
	if err != nil {
		return err
	}
	if err := l.commitMutation(ctx, clone, ev); err != nil {
		return err
	}
	if clone.Dutch != nil {
		l.nextDecrementAt = now.Add(clone.Dutch.DecrementInterval)
	}
	log.Info().
		Str("auction_id", clone.ID.String()).
		Str("type", string(clone.Type)).
		Time("end_time", clone.EndTime).
		Msg("auction activated")
	return nil
}

// decrement applies one scheduled dutch price step, floored at the minimum.
func (l *lane) decrement(ctx context.Context, now time.Time) error {
	clone := l.auction.Clone()
	next := clone.CurrentPrice - clone.Dutch.DecrementAmount
	if next < clone.Dutch.MinimumPrice {
		next = clone.Dutch.MinimumPrice
	}
	clone.CurrentPrice = next
	clone.SequenceNumber++
	clone.UpdatedAt = now

	ev, err := newEvent(clone, models.EventTypePriceUpdated, events.PriceUpdatedPayload{
		AuctionID: clone.ID.String(),
		NewPrice:  next,
		UpdatedAt: now,
	}, now)
	if err != nil {
		return err
	}
	if err := l.commitMutation(ctx, clone, ev); err != nil {
		return err
	}
	l.nextDecrementAt = l.nextDecrementAt.Add(clone.Dutch.DecrementInterval)
	log.Debug().
		Str("auction_id", clone.ID.String()).
		Int64("new_price", next).
		Msg("dutch price decremented")
	return nil
}

func (l *lane) end(ctx context.Context, now time.Time) error {
	clone := l.auction.Clone()
	clone.Status = models.AuctionStatusEnded
	clone.SequenceNumber++
	clone.UpdatedAt = now

	reserveMet := clone.ReserveMet()
	var winnerBid, winnerUser *uuid.UUID
	if l.currentBid != nil && reserveMet {
		winnerBid = &l.currentBid.ID
		winnerUser = &l.currentBid.BidderID
	} else {
		clone.WinningBidID = nil
	}

	ev, err := newEvent(clone, models.EventTypeAuctionEnded, events.AuctionEndedPayload{
		AuctionID:    clone.ID.String(),
		WinnerBidID:  winnerBid,
		WinnerUserID: winnerUser,
		FinalPrice:   clone.CurrentPrice,
		ReserveMet:   reserveMet,
		EndedAt:      now,
	}, now)
	if err != nil {
		return err
	}
	if err := l.commitMutation(ctx, clone, ev); err != nil {
		return err
	}
	l.outcome = &models.AuctionOutcome{
		AuctionID:    clone.ID,
		WinnerBidID:  winnerBid,
		WinnerUserID: winnerUser,
		FinalPrice:   clone.CurrentPrice,
		ReserveMet:   reserveMet,
		EndedAt:      now,
	}
	l.retireAt = now.Add(l.eng.cfg.TerminalLinger)
	l.eng.metrics.AuctionEnded()
	log.Info().
		Str("auction_id", clone.ID.String()).
		Int64("final_price", clone.CurrentPrice).
		Bool("reserve_met", reserveMet).
		Bool("has_winner", winnerBid != nil).
		Msg("auction ended")
	return nil
}

func (l *lane) handleCancel(ctx context.Context, reason string) error {
	if l.auction.Status.Terminal() {
		return ErrAuctionClosed
	}
	now := l.eng.clock.Now()
	clone := l.auction.Clone()
	clone.Status = models.AuctionStatusCancelled
	clone.WinningBidID = nil
	clone.SequenceNumber++
	clone.UpdatedAt = now

	ev, err := newEvent(clone, models.EventTypeAuctionCancelled, events.AuctionCancelledPayload{
		AuctionID:   clone.ID.String(),
		Reason:      reason,
		CancelledAt: now,
	}, now)
	if err != nil {
		return err
	}
	if err := l.commitMutation(ctx, clone, ev); err != nil {
		return err
	}
	l.retireAt = now.Add(l.eng.cfg.TerminalLinger)
	log.Info().
		Str("auction_id", clone.ID.String()).
		Str("reason", reason).
		Msg("auction cancelled")
	return nil
}

// commitMutation persists a committed non-bid mutation and applies it to the
// lane. Either the auction row and event land together or the in-memory
// state stays untouched.
func (l *lane) commitMutation(ctx context.Context, clone *models.Auction, ev *models.AuctionEvent) error {
	if err := l.eng.store.UpdateAuction(ctx, clone); err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	if err := l.eng.store.AppendEvent(ctx, ev); err != nil {
		// The auction row already moved; a missing log row only widens the
		// resync fallback to a full snapshot.
		log.Error().Err(err).
			Str("auction_id", clone.ID.String()).
			Uint64("sequence", ev.Sequence).
			Msg("failed to append auction event")
	}
	l.auction = clone
	l.emit(ctx, ev)
	return nil
}

func (l *lane) emit(ctx context.Context, ev *models.AuctionEvent) {
	l.log.Append(ev)
	if err := l.eng.pub.Publish(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("auction_id", ev.AuctionID.String()).
			Uint64("sequence", ev.Sequence).
			Msg("failed to publish auction event")
	}
	l.eng.metrics.EventPublished(string(ev.Type))
}

func (l *lane) appendRecent(bid *models.Bid) {
	l.recentBids = append(l.recentBids, bid)
	if len(l.recentBids) > l.eng.cfg.RecentBids {
		l.recentBids = l.recentBids[len(l.recentBids)-l.eng.cfg.RecentBids:]
	}
}

func (l *lane) buildSnapshot() *Snapshot {
	now := l.eng.clock.Now()
	bids := make([]*models.Bid, len(l.recentBids))
	for i, b := range l.recentBids {
		cp := *b
		bids[i] = &cp
	}
	return &Snapshot{
		Auction:    l.auction.Clone(),
		RecentBids: bids,
		Sequence:   l.auction.SequenceNumber,
		ReserveMet: l.auction.ReserveMet(),
		EndingSoon: l.auction.EndingSoon(now),
		ServerTime: now,
		Outcome:    l.outcome,
	}
}

func newEvent(a *models.Auction, typ models.EventType, payload any, now time.Time) (*models.AuctionEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return &models.AuctionEvent{
		ID:        uuid.New(),
		AuctionID: a.ID,
		Sequence:  a.SequenceNumber,
		Type:      typ,
		Timestamp: now,
		Payload:   raw,
	}, nil
}

func nonceKey(bidderID uuid.UUID, nonce string) string {
	return bidderID.String() + "/" + nonce
}
