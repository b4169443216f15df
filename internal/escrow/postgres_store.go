package escrow

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/lib/pq"
)

// PostgresStore persists movements in PostgreSQL. A partial unique index on
// (trade_id, tx_hash) WHERE direction = 'in' backs deposit deduplication at
// the database level, so even racing writers cannot double-count.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed movement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, m *Movement) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_movements (trade_id, direction, amount_atomic, tx_hash, confirmations, created_at)
		VALUES ($1, $2, $3::NUMERIC(30,0), $4, $5, $6)
		RETURNING id`,
		m.TradeID, string(m.Direction), strconv.FormatUint(m.AmountAtomic, 10),
		m.TxHash, m.Confirmations, m.CreatedAt,
	).Scan(&m.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateDeposit
	}
	return err
}

func (p *PostgresStore) AppendRelease(ctx context.Context, out *Movement, fee *Movement) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendTx(ctx, tx, out); err != nil {
		return err
	}
	if fee != nil {
		if err := appendTx(ctx, tx, fee); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func appendTx(ctx context.Context, tx *sql.Tx, m *Movement) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO escrow_movements (trade_id, direction, amount_atomic, tx_hash, confirmations, created_at)
		VALUES ($1, $2, $3::NUMERIC(30,0), $4, $5, $6)
		RETURNING id`,
		m.TradeID, string(m.Direction), strconv.FormatUint(m.AmountAtomic, 10),
		m.TxHash, m.Confirmations, m.CreatedAt,
	).Scan(&m.ID)
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, direction, amount_atomic, tx_hash, confirmations, created_at
		FROM escrow_movements
		WHERE trade_id = $1
		ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Movement
	for rows.Next() {
		var m Movement
		var direction, amount string
		if err := rows.Scan(&m.ID, &m.TradeID, &direction, &amount, &m.TxHash, &m.Confirmations, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.AmountAtomic, err = strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasDeposit(ctx context.Context, tradeID, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escrow_movements
			WHERE trade_id = $1 AND tx_hash = $2 AND direction = 'in'
		)`, tradeID, txHash).Scan(&exists)
	return exists, err
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
