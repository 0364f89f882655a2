package hub

import (
	"context"

	"github.com/matbid/auction-engine/internal/models"
)

// Bridge feeds committed engine events straight into the broadcast loop,
// for single-process deployments that run without a message broker. It
// implements the engine's Publisher.
type Bridge struct {
	manager *ConnectionManager
}

func NewBridge(cm *ConnectionManager) *Bridge {
	return &Bridge{manager: cm}
}

func (b *Bridge) Publish(_ context.Context, ev *models.AuctionEvent) error {
	b.manager.BroadcastToAuction(ev.AuctionID, eventToMessage(ev))
	return nil
}
