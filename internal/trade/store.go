package trade

import (
	"context"
	"time"
)

// Store persists trades.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	ListByState(ctx context.Context, state State, limit int) ([]*Trade, error)
	// ListExpiring returns non-terminal trades whose expires_at is before the
	// given time.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
}
