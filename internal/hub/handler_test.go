package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/matbid/auction-engine/internal/auction"
	"github.com/matbid/auction-engine/internal/eventlog"
	"github.com/matbid/auction-engine/internal/models"
)

// stubEngine implements EngineAPI with canned responses.
type stubEngine struct {
	auction  *models.Auction
	snapshot *auction.Snapshot
	result   *auction.SubmitResult
	events   []*models.AuctionEvent

	createErr error
	submitErr error
	eventsErr error
	cancelErr error

	// snapshotHook runs inside Snapshot, before it returns.
	snapshotHook func()

	lastSubmit *auction.SubmitRequest
}

func (s *stubEngine) CreateAuction(_ context.Context, d *auction.Definition) (*models.Auction, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return s.auction, nil
}

func (s *stubEngine) SubmitBid(_ context.Context, req *auction.SubmitRequest) (*auction.SubmitResult, error) {
	s.lastSubmit = req
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return s.result, nil
}

func (s *stubEngine) RegisterProxyAgent(context.Context, uuid.UUID, uuid.UUID, int64, int64) error {
	return nil
}

func (s *stubEngine) DisableProxyAgent(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

func (s *stubEngine) CancelAuction(context.Context, uuid.UUID, string) error {
	return s.cancelErr
}

func (s *stubEngine) Snapshot(context.Context, uuid.UUID) (*auction.Snapshot, error) {
	if s.snapshotHook != nil {
		s.snapshotHook()
	}
	if s.snapshot == nil {
		return nil, auction.ErrAuctionNotFound
	}
	return s.snapshot, nil
}

func (s *stubEngine) EventsAfter(context.Context, uuid.UUID, uint64) ([]*models.AuctionEvent, error) {
	if s.eventsErr != nil {
		return nil, s.eventsErr
	}
	return s.events, nil
}

func (s *stubEngine) ListActive(context.Context) ([]*auction.Snapshot, error) {
	if s.snapshot == nil {
		return nil, nil
	}
	return []*auction.Snapshot{s.snapshot}, nil
}

func newTestRouter(engine *stubEngine) chi.Router {
	manager := NewConnectionManager(engine, nil, DefaultConnectionConfig())
	h := NewHandler(engine, manager)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func testAuction() *models.Auction {
	return &models.Auction{
		ID:              uuid.New(),
		Title:           "test lot",
		Type:            models.AuctionTypeStandard,
		Status:          models.AuctionStatusActive,
		StartingPrice:   10000,
		CurrentPrice:    12000,
		IncrementAmount: 1000,
		SequenceNumber:  3,
	}
}

func TestHandler_PlaceBid(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{
		auction: a,
		result: &auction.SubmitResult{
			Accepted:     true,
			BidID:        uuid.New(),
			CurrentPrice: 13000,
			Sequence:     4,
		},
	}
	router := newTestRouter(engine)

	body, _ := json.Marshal(map[string]any{
		"bidder_id":    uuid.New(),
		"amount":       13000,
		"client_nonce": "n-1",
	})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/auctions/%s/bids", a.ID), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var res auction.SubmitResult
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &res))
	check.True(t, res.Accepted)
	check.Equal(t, int64(13000), res.CurrentPrice)
	check.Equal(t, "n-1", engine.lastSubmit.ClientNonce)
}

func TestHandler_PlaceBid_LaneUnavailable(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{auction: a, submitErr: auction.ErrLaneUnavailable}
	router := newTestRouter(engine)

	body, _ := json.Marshal(map[string]any{"bidder_id": uuid.New(), "amount": 13000})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/auctions/%s/bids", a.ID), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	check.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Snapshot(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{
		auction: a,
		snapshot: &auction.Snapshot{
			Auction:    a,
			Sequence:   a.SequenceNumber,
			ReserveMet: true,
			ServerTime: time.Now(),
		},
	}
	router := newTestRouter(engine)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/auctions/%s/", a.ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap auction.Snapshot
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	check.Equal(t, a.ID, snap.Auction.ID)
	check.Equal(t, uint64(3), snap.Sequence)
}

func TestHandler_Snapshot_NotFound(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/auctions/%s/", uuid.New()), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	check.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Events_GapReturnsGone(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{auction: a, eventsErr: eventlog.ErrGapTooLarge}
	router := newTestRouter(engine)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/auctions/%s/events?after=1", a.ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGone, rec.Code)
	var body map[string]bool
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &body))
	check.True(t, body["full_snapshot_required"])
}

func TestHandler_CreateAuction_InvalidDefinition(t *testing.T) {
	engine := &stubEngine{
		createErr: &auction.InvalidDefinitionError{Field: "starting_price", Reason: "must be positive"},
	}
	router := newTestRouter(engine)

	body, _ := json.Marshal(map[string]any{"title": "x"})
	req := httptest.NewRequest(http.MethodPost, "/api/auctions/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	check.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Cancel_Conflict(t *testing.T) {
	a := testAuction()
	engine := &stubEngine{auction: a, cancelErr: auction.ErrAuctionClosed}
	router := newTestRouter(engine)

	body, _ := json.Marshal(map[string]string{"reason": "test"})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/auctions/%s/cancel", a.ID), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	check.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventToMessage_Mapping(t *testing.T) {
	auctionID := uuid.New()
	tests := []struct {
		event models.EventType
		want  ServerMessageType
	}{
		{models.EventTypeAuctionStarted, ServerMessageAuctionStarted},
		{models.EventTypePriceUpdated, ServerMessagePriceUpdated},
		{models.EventTypeTimeExtended, ServerMessageTimeExtended},
		{models.EventTypeAuctionEnded, ServerMessageAuctionEnded},
		{models.EventTypeAuctionCancelled, ServerMessageAuctionCancelled},
	}
	for _, tt := range tests {
		msg := eventToMessage(&models.AuctionEvent{
			AuctionID: auctionID,
			Sequence:  7,
			Type:      tt.event,
			Payload:   json.RawMessage(`{"k":"v"}`),
		})
		check.Equal(t, tt.want, msg.Type)
		check.Equal(t, auctionID.String(), msg.AuctionID)
		check.Equal(t, uint64(7), msg.Sequence)
	}
}
