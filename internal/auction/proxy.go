package auction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/models"
)

// runCascade fires eligible proxy agents until the price settles, returning
// the number of proxy bids admitted. Agents fire in registration order; the
// current leader's own agent never fires against itself, and each proxy bid
// is the smallest amount that satisfies the increment rule, clamped to the
// agent's ceiling. Deterministic given the lane state.
func (l *lane) runCascade(ctx context.Context, now time.Time) int {
	count := 0
	for count < maxCascade {
		a := l.auction
		if a.Status != models.AuctionStatusActive {
			break
		}

		leader := uuid.Nil
		if l.currentBid != nil {
			leader = l.currentBid.BidderID
		}
		agent := l.nextAgent(leader, a.CurrentPrice+a.IncrementAmount)
		if agent == nil {
			break
		}

		step := agent.StepIncrement
		if step < a.IncrementAmount {
			step = a.IncrementAmount
		}
		amount := a.CurrentPrice + step
		if amount > agent.Ceiling {
			amount = agent.Ceiling
		}

		quantity := int64(0)
		if a.Bulk != nil {
			quantity = a.Bulk.MinQuantityPerBid
		}

		res, err := l.admit(ctx, &SubmitRequest{
			AuctionID: a.ID,
			BidderID:  agent.BidderID,
			Amount:    amount,
			Quantity:  quantity,
		}, now, true)
		if err != nil {
			log.Error().Err(err).
				Str("auction_id", a.ID.String()).
				Str("bidder_id", agent.BidderID.String()).
				Msg("proxy bid failed to commit")
			break
		}
		if !res.Accepted {
			break
		}
		count++
	}
	if count == maxCascade {
		log.Warn().
			Str("auction_id", l.auction.ID.String()).
			Int("count", count).
			Msg("proxy cascade hit hard stop")
	}
	return count
}

// nextAgent returns the earliest-registered enabled agent, other than the
// leader's, whose ceiling covers the minimum admissible amount.
func (l *lane) nextAgent(leader uuid.UUID, minAmount int64) *models.ProxyAgent {
	for _, agent := range l.agents {
		if !agent.Enabled || agent.BidderID == leader {
			continue
		}
		if agent.Ceiling >= minAmount {
			return agent
		}
	}
	return nil
}

func (l *lane) handleRegisterProxy(ctx context.Context, agent *models.ProxyAgent) error {
	if l.auction.Status.Terminal() {
		return ErrAuctionClosed
	}
	if agent.Ceiling <= 0 {
		return invalidDef("ceiling", "must be positive")
	}
	// Any admitted proxy bid must itself satisfy the increment rule.
	if agent.StepIncrement < l.auction.IncrementAmount {
		agent.StepIncrement = l.auction.IncrementAmount
	}

	// Updates keep the original registration time so tie-break order is
	// stable across ceiling changes.
	for _, existing := range l.agents {
		if existing.BidderID == agent.BidderID {
			agent.RegisteredAt = existing.RegisteredAt
			break
		}
	}

	if err := l.eng.store.UpsertProxyAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to persist proxy agent: %w", err)
	}
	l.putAgent(agent)
	log.Info().
		Str("auction_id", agent.AuctionID.String()).
		Str("bidder_id", agent.BidderID.String()).
		Int64("ceiling", agent.Ceiling).
		Int64("step", agent.StepIncrement).
		Msg("proxy agent registered")
	return nil
}

func (l *lane) handleDisableProxy(ctx context.Context, bidderID uuid.UUID) error {
	for _, agent := range l.agents {
		if agent.BidderID != bidderID {
			continue
		}
		agent.Enabled = false
		if err := l.eng.store.UpsertProxyAgent(ctx, agent); err != nil {
			return fmt.Errorf("failed to persist proxy agent: %w", err)
		}
		log.Info().
			Str("auction_id", agent.AuctionID.String()).
			Str("bidder_id", bidderID.String()).
			Msg("proxy agent disabled")
		return nil
	}
	return ErrNotRegistered
}

// putAgent inserts or replaces the bidder's agent, keeping registration order.
func (l *lane) putAgent(agent *models.ProxyAgent) {
	for i, existing := range l.agents {
		if existing.BidderID == agent.BidderID {
			l.agents[i] = agent
			return
		}
	}
	l.agents = append(l.agents, agent)
	sort.SliceStable(l.agents, func(i, j int) bool {
		return l.agents[i].RegisteredAt.Before(l.agents[j].RegisteredAt)
	})
}
