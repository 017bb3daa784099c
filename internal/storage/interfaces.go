package storage

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
)

// Store is the engine's transactional ledger of settings, roles, trades and events.
type Store interface {
	// Update runs fn in a read-write transaction. Writes become visible
	// only if fn returns nil and the commit succeeds.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction. Writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a single ledger transaction. A Tx must not be used after fn returns.
type Tx interface {
	// Settings returns the settings record. Before the first PutSettings the
	// zero record (Initialized=false) is returned.
	Settings(ctx context.Context) (*domain.Settings, error)

	// PutSettings replaces the settings record.
	PutSettings(ctx context.Context, s *domain.Settings) error

	// Trade retrieves a trade by its ID. Returns ErrNotFound if not exists.
	Trade(ctx context.Context, tradeID uint64) (*domain.Trade, error)

	// InsertTrade adds a new trade. Returns ErrDuplicateKey if trade_id exists.
	InsertTrade(ctx context.Context, t *domain.Trade) error

	// UpdateTrade replaces an existing trade. Returns ErrNotFound if not exists.
	UpdateTrade(ctx context.Context, t *domain.Trade) error

	// TradesByTrader retrieves all trades owned by trader, ordered by trade_id ASC.
	TradesByTrader(ctx context.Context, trader common.Address) ([]*domain.Trade, error)

	// Committed returns the custody still owed to open trades in asset:
	// unclaimed principal plus unresolved fees.
	Committed(ctx context.Context, asset common.Address) (*big.Int, error)

	// HasRole reports whether account holds role (explicit grants only).
	HasRole(ctx context.Context, role domain.Role, account common.Address) (bool, error)

	// GrantRole adds account to role. Returns ErrDuplicateKey if already granted.
	GrantRole(ctx context.Context, role domain.Role, account common.Address) error

	// RevokeRole removes account from role. Returns ErrNotFound if not granted.
	RevokeRole(ctx context.Context, role domain.Role, account common.Address) error

	// RoleMembers lists the holders of role, ordered by address.
	RoleMembers(ctx context.Context, role domain.Role) ([]common.Address, error)

	// AppendEvent adds e to the event log and assigns e.Seq.
	AppendEvent(ctx context.Context, e *domain.Event) error

	// Events retrieves up to limit events with Seq > afterSeq, ordered by Seq ASC.
	Events(ctx context.Context, afterSeq uint64, limit int) ([]*domain.Event, error)
}

// EventLogStore is an append-only analytics copy of the event log.
type EventLogStore interface {
	// InsertBulk adds multiple events. Events already present (by ID) are skipped.
	InsertBulk(ctx context.Context, events []*domain.Event) error

	// GetByTradeID retrieves all events for a trade, ordered by Seq ASC.
	GetByTradeID(ctx context.Context, tradeID uint64) ([]*domain.Event, error)

	// GetByTimeRange retrieves events with At within [start, end] (unix ms, inclusive).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.Event, error)
}
