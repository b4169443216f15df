package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, amount_atomic, price_per_xmr,
		currency, escrow_subaddress, escrow_subaddr_index, buyer_payout_address,
		seller_refund_address, state, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(30,0), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.OfferID, t.BuyerID, t.SellerID,
		strconv.FormatUint(t.AmountAtomic, 10), t.PricePerXMR,
		t.Currency, nullString(t.EscrowSubaddress), t.EscrowSubaddrIndex,
		t.BuyerPayoutAddress, nullString(t.SellerRefundAddress),
		string(t.State), nullTime(t.ExpiresAt), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			escrow_subaddress = $1, escrow_subaddr_index = $2, state = $3,
			buyer_payout_address = $4, seller_refund_address = $5,
			expires_at = $6, updated_at = $7
		WHERE id = $8`,
		nullString(t.EscrowSubaddress), t.EscrowSubaddrIndex, string(t.State),
		t.BuyerPayoutAddress, nullString(t.SellerRefundAddress),
		nullTime(t.ExpiresAt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE state = $1
		ORDER BY created_at
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE expires_at IS NOT NULL
		  AND expires_at < $1
		  AND state NOT IN ('completed', 'refunded', 'cancelled', 'expired')
		ORDER BY expires_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTrades(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var amount string
	var state string
	var subaddress, refundAddr sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &amount, &t.PricePerXMR,
		&t.Currency, &subaddress, &t.EscrowSubaddrIndex, &t.BuyerPayoutAddress,
		&refundAddr, &state, &expiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AmountAtomic, err = strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.EscrowSubaddress = subaddress.String
	t.SellerRefundAddress = refundAddr.String
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresEventStore persists trade events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Append(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	if event.Data == nil {
		data = []byte("{}")
	}

	var actor sql.NullString
	if event.ActorID != nil {
		actor = sql.NullString{String: *event.ActorID, Valid: true}
	}

	return p.db.QueryRowContext(ctx, `
		INSERT INTO trade_events (trade_id, type, actor_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		event.TradeID, event.Type, actor, data, event.CreatedAt,
	).Scan(&event.ID)
}

func (p *PostgresEventStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, type, actor_id, data, created_at
		FROM trade_events
		WHERE trade_id = $1
		ORDER BY created_at, id
		LIMIT $2`, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var e Event
		var actor sql.NullString
		var data []byte
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Type, &actor, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.ActorID = &actor.String
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, err
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
