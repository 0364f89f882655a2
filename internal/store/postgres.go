package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"github.com/matbid/auction-engine/internal/models"
	"github.com/matbid/auction-engine/internal/sqlutil"
)

// PostgresStore implements Store on top of Postgres.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to Postgres via the pgx database/sql driver.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// typeParams is the JSONB shape stored for type-specific auction settings.
type typeParams struct {
	Dutch *models.DutchParams `json:"dutch,omitempty"`
	Bulk  *models.BulkParams  `json:"bulk,omitempty"`
}

func marshalTypeParams(a *models.Auction) (pqtype.NullRawMessage, error) {
	if a.Dutch == nil && a.Bulk == nil {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(typeParams{Dutch: a.Dutch, Bulk: a.Bulk})
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to marshal type params: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *models.Auction) error {
	params, err := marshalTypeParams(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auctions (
			id, title, item_ref, seller_id, auction_type, status,
			starting_price, current_price, reserve_price, buy_it_now_price,
			increment_amount, start_time, end_time,
			extension_window_sec, extension_amount_sec,
			type_params, sequence_number, winning_bid_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.Title, a.ItemRef, a.SellerID, a.Type, a.Status,
		a.StartingPrice, a.CurrentPrice, nullInt64(a.ReservePrice), nullInt64(a.BuyItNowPrice),
		a.IncrementAmount, a.StartTime, a.EndTime,
		int64(a.ExtensionWindow/time.Second), int64(a.ExtensionAmount/time.Second),
		params, a.SequenceNumber, nullUUID(a.WinningBidID), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAuction(ctx context.Context, a *models.Auction) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auctions SET
			status = $2, current_price = $3, end_time = $4,
			sequence_number = $5, winning_bid_id = $6, updated_at = $7
		WHERE id = $1 AND sequence_number < $5`,
		a.ID, a.Status, a.CurrentPrice, a.EndTime,
		a.SequenceNumber, nullUUID(a.WinningBidID), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrSequenceConflict
	}
	return nil
}

const auctionColumns = `
	id, title, item_ref, seller_id, auction_type, status,
	starting_price, current_price, reserve_price, buy_it_now_price,
	increment_amount, start_time, end_time,
	extension_window_sec, extension_amount_sec,
	type_params, sequence_number, winning_bid_id, created_at, updated_at`

func (s *PostgresStore) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListOpenAuctions(ctx context.Context) ([]*models.Auction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+auctionColumns+` FROM auctions WHERE status IN ($1, $2) ORDER BY created_at`,
		models.AuctionStatusUpcoming, models.AuctionStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open auctions: %w", err)
	}
	defer rows.Close()

	var out []*models.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auction: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bids (
			id, auction_id, bidder_id, amount, quantity,
			submitted_at, admitted_at, status, is_proxy, client_nonce, sequence_number
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.Quantity,
		b.SubmittedAt, nullTime(b.AdmittedAt), b.Status, b.IsProxy, b.ClientNonce, b.Sequence,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBidStatus(ctx context.Context, bidID uuid.UUID, status models.BidStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bids SET status = $2 WHERE id = $1`, bidID, status)
	if err != nil {
		return fmt.Errorf("failed to update bid status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentBids(ctx context.Context, auctionID uuid.UUID, limit int) ([]*models.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, quantity,
		       submitted_at, admitted_at, status, is_proxy, client_nonce, sequence_number
		FROM bids WHERE auction_id = $1
		ORDER BY sequence_number DESC LIMIT $2`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent bids: %w", err)
	}
	defer rows.Close()

	var out []*models.Bid
	for rows.Next() {
		var b models.Bid
		var admitted sql.NullTime
		if err := rows.Scan(
			&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Quantity,
			&b.SubmittedAt, &admitted, &b.Status, &b.IsProxy, &b.ClientNonce, &b.Sequence,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if admitted.Valid {
			t := admitted.Time
			b.AdmittedAt = &t
		}
		out = append(out, &b)
	}
	// Oldest first, matching admission order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertProxyAgent(ctx context.Context, agent *models.ProxyAgent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_agents (auction_id, bidder_id, ceiling, step_increment, enabled, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (auction_id, bidder_id) DO UPDATE
		SET ceiling = EXCLUDED.ceiling,
		    step_increment = EXCLUDED.step_increment,
		    enabled = EXCLUDED.enabled`,
		agent.AuctionID, agent.BidderID, agent.Ceiling, agent.StepIncrement, agent.Enabled, agent.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert proxy agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProxyAgents(ctx context.Context, auctionID uuid.UUID) ([]*models.ProxyAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT auction_id, bidder_id, ceiling, step_increment, enabled, registered_at
		FROM proxy_agents WHERE auction_id = $1 ORDER BY registered_at`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxy agents: %w", err)
	}
	defer rows.Close()

	var out []*models.ProxyAgent
	for rows.Next() {
		var a models.ProxyAgent
		if err := rows.Scan(&a.AuctionID, &a.BidderID, &a.Ceiling, &a.StepIncrement, &a.Enabled, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan proxy agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.AuctionEvent) error {
	payload := pqtype.NullRawMessage{RawMessage: ev.Payload, Valid: len(ev.Payload) > 0}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auction_events (id, auction_id, sequence_number, event_type, occurred_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.AuctionID, ev.Sequence, ev.Type, ev.Timestamp, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append auction event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEventsAfter(ctx context.Context, auctionID uuid.UUID, after uint64, limit int) ([]*models.AuctionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, sequence_number, event_type, occurred_at, payload
		FROM auction_events
		WHERE auction_id = $1 AND sequence_number > $2
		ORDER BY sequence_number LIMIT $3`, auctionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list auction events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuctionEvent
	for rows.Next() {
		var ev models.AuctionEvent
		var payload pqtype.NullRawMessage
		if err := rows.Scan(&ev.ID, &ev.AuctionID, &ev.Sequence, &ev.Type, &ev.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan auction event: %w", err)
		}
		if payload.Valid {
			ev.Payload = payload.RawMessage
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CommitBid persists a full bid commit (bid row, superseded update, auction
// row, event row) in one transaction so a crash never leaves a bid partially
// applied.
func (s *PostgresStore) CommitBid(ctx context.Context, a *models.Auction, b *models.Bid, superseded *uuid.UUID, ev *models.AuctionEvent) error {
	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if superseded != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE bids SET status = $2 WHERE id = $1`,
				*superseded, models.BidStatusSuperseded); err != nil {
				return fmt.Errorf("failed to supersede bid: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bids (
				id, auction_id, bidder_id, amount, quantity,
				submitted_at, admitted_at, status, is_proxy, client_nonce, sequence_number
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			b.ID, b.AuctionID, b.BidderID, b.Amount, b.Quantity,
			b.SubmittedAt, nullTime(b.AdmittedAt), b.Status, b.IsProxy, b.ClientNonce, b.Sequence,
		); err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE auctions SET
				status = $2, current_price = $3, end_time = $4,
				sequence_number = $5, winning_bid_id = $6, updated_at = $7
			WHERE id = $1 AND sequence_number < $5`,
			a.ID, a.Status, a.CurrentPrice, a.EndTime,
			a.SequenceNumber, nullUUID(a.WinningBidID), a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update auction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return ErrSequenceConflict
		}
		payload := pqtype.NullRawMessage{RawMessage: ev.Payload, Valid: len(ev.Payload) > 0}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auction_events (id, auction_id, sequence_number, event_type, occurred_at, payload)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			ev.ID, ev.AuctionID, ev.Sequence, ev.Type, ev.Timestamp, payload,
		); err != nil {
			return fmt.Errorf("failed to append auction event: %w", err)
		}
		return nil
	})
}

func scanAuction(row interface{ Scan(...any) error }) (*models.Auction, error) {
	var a models.Auction
	var reserve, buyNow sql.NullInt64
	var extWindowSec, extAmountSec int64
	var params pqtype.NullRawMessage
	var winning uuid.NullUUID

	err := row.Scan(
		&a.ID, &a.Title, &a.ItemRef, &a.SellerID, &a.Type, &a.Status,
		&a.StartingPrice, &a.CurrentPrice, &reserve, &buyNow,
		&a.IncrementAmount, &a.StartTime, &a.EndTime,
		&extWindowSec, &extAmountSec,
		&params, &a.SequenceNumber, &winning, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reserve.Valid {
		a.ReservePrice = &reserve.Int64
	}
	if buyNow.Valid {
		a.BuyItNowPrice = &buyNow.Int64
	}
	if winning.Valid {
		id := winning.UUID
		a.WinningBidID = &id
	}
	a.ExtensionWindow = time.Duration(extWindowSec) * time.Second
	a.ExtensionAmount = time.Duration(extAmountSec) * time.Second
	if params.Valid {
		var tp typeParams
		if err := json.Unmarshal(params.RawMessage, &tp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal type params: %w", err)
		}
		a.Dutch = tp.Dutch
		a.Bulk = tp.Bulk
	}
	return &a, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
