package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

// EventLogStore implements storage.EventLogStore using ClickHouse.
// Redelivered events collapse on id (ReplacingMergeTree); reads use FINAL.
type EventLogStore struct {
	conn *Conn
}

// NewEventLogStore creates a new EventLogStore.
func NewEventLogStore(conn *Conn) *EventLogStore {
	return &EventLogStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EventLogStore = (*EventLogStore)(nil)

// InsertBulk adds multiple events in one batch.
func (s *EventLogStore) InsertBulk(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e == nil || e.ID == uuid.Nil {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO escrow_events (
			id, seq, kind, trade_id, account, asset, amount, actor, at_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		var amount *string
		if e.Amount != nil {
			v := e.Amount.String()
			amount = &v
		}
		err = batch.Append(
			e.ID, e.Seq, string(e.Kind), e.TradeID,
			addressString(e.Account), addressString(e.Asset), amount,
			e.Actor.Hex(), e.At.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByTradeID retrieves all events for a trade, ordered by seq ASC.
func (s *EventLogStore) GetByTradeID(ctx context.Context, tradeID uint64) ([]*domain.Event, error) {
	query := `
		SELECT id, seq, kind, trade_id, account, asset, amount, actor, at_ms
		FROM escrow_events FINAL
		WHERE trade_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.conn.Query(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("query by trade id: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByTimeRange retrieves events with at_ms within [start, end] (inclusive).
func (s *EventLogStore) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.Event, error) {
	query := `
		SELECT id, seq, kind, trade_id, account, asset, amount, actor, at_ms
		FROM escrow_events FINAL
		WHERE at_ms >= ? AND at_ms <= ?
		ORDER BY seq ASC
	`

	rows, err := s.conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents scans multiple rows.
func scanEvents(rows chRows) ([]*domain.Event, error) {
	var events []*domain.Event

	for rows.Next() {
		var (
			e                     domain.Event
			kind                  string
			account, asset, actor string
			tradeID               *uint64
			amount                *string
			atMs                  int64
		)

		err := rows.Scan(&e.ID, &e.Seq, &kind, &tradeID, &account, &asset, &amount, &actor, &atMs)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		e.Kind = domain.EventKind(kind)
		e.TradeID = tradeID
		e.Account = common.HexToAddress(account)
		e.Asset = common.HexToAddress(asset)
		e.Actor = common.HexToAddress(actor)
		e.At = time.UnixMilli(atMs).UTC()
		if amount != nil {
			v, ok := new(big.Int).SetString(*amount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid event amount %q", *amount)
			}
			e.Amount = v
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}

func addressString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
