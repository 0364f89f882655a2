package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/eventlog"
)

// Handler exposes the REST surface and the WebSocket upgrade endpoint.
type Handler struct {
	engine  EngineAPI
	manager *ConnectionManager
}

func NewHandler(engine EngineAPI, manager *ConnectionManager) *Handler {
	return &Handler{engine: engine, manager: manager}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
	r.Get("/ws/stats", h.handleStats)

	r.Route("/api/auctions", func(r chi.Router) {
		r.Post("/", h.handleCreateAuction)
		r.Get("/", h.handleListActive)
		r.Route("/{auctionID}", func(r chi.Router) {
			r.Get("/", h.handleSnapshot)
			r.Get("/events", h.handleEvents)
			r.Post("/bids", h.handlePlaceBid)
			r.Post("/cancel", h.handleCancel)
			r.Post("/proxy", h.handleRegisterProxy)
			r.Delete("/proxy", h.handleDisableProxy)
		})
	})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := h.manager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to upgrade WebSocket connection")
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	total, perAuction := h.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_connections": total,
		"watched_auctions":  len(perAuction),
		"watchers":          perAuction,
	})
}

func (h *Handler) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var def auction.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := h.engine.CreateAuction(r.Context(), &def)
	if err != nil {
		var invalid *auction.InvalidDefinitionError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		log.Error().Err(err).Msg("failed to create auction")
		writeError(w, http.StatusInternalServerError, "failed to create auction")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.engine.ListActive(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list active auctions")
		writeError(w, http.StatusInternalServerError, "failed to list auctions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions": snaps})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	snap, err := h.engine.Snapshot(r.Context(), auctionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "auction not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents serves the resync path over REST: committed events with
// sequence greater than the client's position, or 410 when the window no
// longer reaches back that far.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	evs, err := h.engine.EventsAfter(r.Context(), auctionID, after)
	if err != nil {
		if errors.Is(err, eventlog.ErrGapTooLarge) {
			writeJSON(w, http.StatusGone, map[string]any{"full_snapshot_required": true})
			return
		}
		if errors.Is(err, auction.ErrAuctionNotFound) {
			writeError(w, http.StatusNotFound, "auction not found")
			return
		}
		log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to list events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

type placeBidRequest struct {
	BidderID    uuid.UUID `json:"bidder_id"`
	Amount      int64     `json:"amount"`
	Quantity    int64     `json:"quantity,omitempty"`
	MaxAmount   *int64    `json:"max_amount,omitempty"`
	ClientNonce string    `json:"client_nonce"`
}

func (h *Handler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.engine.SubmitBid(r.Context(), &auction.SubmitRequest{
		AuctionID:   auctionID,
		BidderID:    req.BidderID,
		Amount:      req.Amount,
		Quantity:    req.Quantity,
		ClientNonce: req.ClientNonce,
		MaxAmount:   req.MaxAmount,
	})
	if err != nil {
		switch {
		case errors.Is(err, auction.ErrAuctionNotFound):
			writeError(w, http.StatusNotFound, "auction not found")
		case errors.Is(err, auction.ErrLaneUnavailable):
			// Retryable with the same nonce.
			writeError(w, http.StatusServiceUnavailable, "busy, retry with the same client_nonce")
		default:
			log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to submit bid")
			writeError(w, http.StatusInternalServerError, "failed to submit bid")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.CancelAuction(r.Context(), auctionID, req.Reason); err != nil {
		switch {
		case errors.Is(err, auction.ErrAuctionNotFound):
			writeError(w, http.StatusNotFound, "auction not found")
		case errors.Is(err, auction.ErrAuctionClosed):
			writeError(w, http.StatusConflict, "auction already closed")
		default:
			log.Error().Err(err).Str("auction_id", auctionID.String()).Msg("failed to cancel auction")
			writeError(w, http.StatusInternalServerError, "failed to cancel auction")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type proxyRequest struct {
	BidderID uuid.UUID `json:"bidder_id"`
	Ceiling  int64     `json:"ceiling"`
	Step     int64     `json:"step,omitempty"`
}

func (h *Handler) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.RegisterProxyAgent(r.Context(), auctionID, req.BidderID, req.Ceiling, req.Step); err != nil {
		switch {
		case errors.Is(err, auction.ErrAuctionNotFound):
			writeError(w, http.StatusNotFound, "auction not found")
		case errors.Is(err, auction.ErrAuctionClosed):
			writeError(w, http.StatusConflict, "auction already closed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDisableProxy(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := auctionIDParam(w, r)
	if !ok {
		return
	}
	bidderID, err := uuid.Parse(r.URL.Query().Get("bidder_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bidder_id is required")
		return
	}
	if err := h.engine.DisableProxyAgent(r.Context(), auctionID, bidderID); err != nil {
		switch {
		case errors.Is(err, auction.ErrAuctionNotFound), errors.Is(err, auction.ErrNotRegistered):
			writeError(w, http.StatusNotFound, "proxy agent not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to disable proxy agent")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func auctionIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
