// Package eventlog keeps a bounded in-memory window of committed auction
// events, used to serve resync requests without a round trip to storage.
package eventlog

import (
	"errors"
	"sync"

	"github.com/matbid/auction-engine/internal/models"
)

// ErrGapTooLarge is returned when the requested range has fallen out of the
// retained window and the client must fall back to a full snapshot.
var ErrGapTooLarge = errors.New("resync gap exceeds retained event window")

// Ring is a fixed-capacity, per-auction event window. The admission lane is
// the only appender; readers may call EventsAfter concurrently.
type Ring struct {
	mu     sync.RWMutex
	buf    []*models.AuctionEvent
	cap    int
	oldest uint64 // lowest sequence still retained, 0 when empty
	newest uint64
}

// NewRing creates a ring retaining up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{cap: capacity}
}

// Append records a committed event. Sequences must arrive in order; the lane
// guarantees that by construction.
func (r *Ring) Append(ev *models.AuctionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, ev)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	r.newest = ev.Sequence
	r.oldest = r.buf[0].Sequence
}

// Newest returns the highest retained sequence, 0 when empty.
func (r *Ring) Newest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.newest
}

// EventsAfter returns all retained events with sequence > after, in order.
// It returns ErrGapTooLarge when events after `after` have already been
// dropped from the window.
func (r *Ring) EventsAfter(after uint64) ([]*models.AuctionEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if after >= r.newest {
		return nil, nil
	}
	// The window must still contain after+1; oldest == after+1 is the edge
	// where nothing has been dropped yet.
	if len(r.buf) == 0 || r.oldest > after+1 {
		return nil, ErrGapTooLarge
	}

	out := make([]*models.AuctionEvent, 0, r.newest-after)
	for _, ev := range r.buf {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out, nil
}
