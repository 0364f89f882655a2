package auction

import (
	"errors"
	"fmt"
)

// RejectReason explains why a bid was not admitted. Rejections are client
// input errors resolved inside the admission lane; they are returned to the
// submitter and never reach other subscribers.
type RejectReason string

const (
	// RejectAuctionNotActive means the bid arrived before the auction opened.
	RejectAuctionNotActive RejectReason = "auction_not_active"
	// RejectAuctionClosed means the auction is in a terminal state.
	RejectAuctionClosed RejectReason = "auction_closed"
	// RejectBidTooLow means the amount fails the increment rule.
	RejectBidTooLow RejectReason = "bid_too_low"
	// RejectInvalidQuantity means a bulk bid's quantity is out of bounds.
	RejectInvalidQuantity RejectReason = "invalid_quantity"
	// RejectSelfOutbid means the current leader tried to raise against
	// themselves by less than the increment.
	RejectSelfOutbid RejectReason = "self_outbid"
)

var (
	// ErrAuctionNotFound is returned when no auction exists for the id.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionClosed is returned for control operations against a
	// terminal auction.
	ErrAuctionClosed = errors.New("auction closed")
	// ErrLaneUnavailable is an infrastructure failure: the admission lane
	// could not accept the request in time. Callers retry with backoff and
	// the same client nonce; the bid was never submitted.
	ErrLaneUnavailable = errors.New("admission lane unavailable")
	// ErrEngineStopped is returned when the engine is shutting down.
	ErrEngineStopped = errors.New("engine stopped")
	// ErrNotRegistered is returned when disabling a proxy agent the bidder
	// never registered.
	ErrNotRegistered = errors.New("proxy agent not registered")
)

// InvalidDefinitionError rejects an auction definition before any state
// exists.
type InvalidDefinitionError struct {
	Field  string
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("invalid auction definition: %s: %s", e.Field, e.Reason)
}

func invalidDef(field, reason string) error {
	return &InvalidDefinitionError{Field: field, Reason: reason}
}
