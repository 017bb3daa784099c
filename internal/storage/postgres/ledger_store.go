package postgres

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

// LedgerStore implements storage.Store using PostgreSQL.
// Writers serialize on the settings row so that two processes sharing a
// database cannot interleave ledger mutations.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.Store = (*LedgerStore)(nil)

// Update runs fn in a read-write transaction.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.pool.withTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM settings WHERE id = 1 FOR UPDATE`); err != nil {
			return fmt.Errorf("lock settings: %w", err)
		}
		return fn(&ledgerTx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.pool.withTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx, readOnly: true})
	})
}

type ledgerTx struct {
	tx       pgx.Tx
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *ledgerTx) writable() error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	return nil
}

func (t *ledgerTx) Settings(ctx context.Context) (*domain.Settings, error) {
	query := `
		SELECT initialized, paused, name, symbol, treasury, owner, threshold_amount::text
		FROM settings
		WHERE id = 1
	`

	var (
		st                      domain.Settings
		treasury, owner, thresh string
	)
	err := t.tx.QueryRow(ctx, query).Scan(
		&st.Initialized, &st.Paused, &st.Name, &st.Symbol, &treasury, &owner, &thresh,
	)
	if err != nil {
		if isNotFoundError(err) {
			return &domain.Settings{ThresholdAmount: new(big.Int)}, nil
		}
		return nil, fmt.Errorf("get settings: %w", err)
	}

	st.Treasury = common.HexToAddress(treasury)
	st.Owner = common.HexToAddress(owner)
	if st.ThresholdAmount, err = parseBig(thresh); err != nil {
		return nil, fmt.Errorf("parse threshold: %w", err)
	}
	return &st, nil
}

func (t *ledgerTx) PutSettings(ctx context.Context, st *domain.Settings) error {
	if err := t.writable(); err != nil {
		return err
	}
	if st == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO settings (id, initialized, paused, name, symbol, treasury, owner, threshold_amount)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7::numeric)
		ON CONFLICT (id) DO UPDATE SET
			initialized = EXCLUDED.initialized,
			paused = EXCLUDED.paused,
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			treasury = EXCLUDED.treasury,
			owner = EXCLUDED.owner,
			threshold_amount = EXCLUDED.threshold_amount
	`

	_, err := t.tx.Exec(ctx, query,
		st.Initialized, st.Paused, st.Name, st.Symbol,
		st.Treasury.Hex(), st.Owner.Hex(), formatBig(st.ThresholdAmount),
	)
	if err != nil {
		return t.writeError("put settings", err)
	}
	return nil
}

const tradeColumns = `
	trade_id::text, trader, start_time::text, end_time::text, asset,
	amount::text, trade_fee::text, reward::text,
	status, claimed, metadata, created_at, resolved_at, claimed_at
`

func scanTrade(row scanner) (*domain.Trade, error) {
	var (
		tr                    domain.Trade
		id, start, end        string
		trader, asset, status string
		amount, fee, reward   string
		resolvedAt, claimedAt *time.Time
	)
	err := row.Scan(
		&id, &trader, &start, &end, &asset,
		&amount, &fee, &reward,
		&status, &tr.Claimed, &tr.Metadata, &tr.CreatedAt, &resolvedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	if tr.TradeID, err = strconv.ParseUint(id, 10, 64); err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	if tr.StartTime, err = strconv.ParseUint(start, 10, 64); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if tr.EndTime, err = strconv.ParseUint(end, 10, 64); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	if tr.Amount, err = parseBig(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if tr.TradeFee, err = parseBig(fee); err != nil {
		return nil, fmt.Errorf("parse trade_fee: %w", err)
	}
	if tr.Reward, err = parseBig(reward); err != nil {
		return nil, fmt.Errorf("parse reward: %w", err)
	}

	tr.Trader = common.HexToAddress(trader)
	tr.Asset = common.HexToAddress(asset)
	tr.Status = domain.TradeStatus(status)
	tr.CreatedAt = tr.CreatedAt.UTC()
	tr.ResolvedAt = utcPtr(resolvedAt)
	tr.ClaimedAt = utcPtr(claimedAt)
	return &tr, nil
}

func (t *ledgerTx) Trade(ctx context.Context, tradeID uint64) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trade_id = $1::numeric`

	tr, err := scanTrade(t.tx.QueryRow(ctx, query, strconv.FormatUint(tradeID, 10)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return tr, nil
}

func (t *ledgerTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	if err := t.writable(); err != nil {
		return err
	}
	if tr == nil || tr.Amount == nil || tr.TradeFee == nil || tr.Reward == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			trade_id, trader, start_time, end_time, asset,
			amount, trade_fee, reward,
			status, claimed, metadata, created_at, resolved_at, claimed_at
		) VALUES (
			$1::numeric, $2, $3::numeric, $4::numeric, $5,
			$6::numeric, $7::numeric, $8::numeric,
			$9, $10, $11, $12, $13, $14
		)
	`

	_, err := t.tx.Exec(ctx, query,
		strconv.FormatUint(tr.TradeID, 10), tr.Trader.Hex(),
		strconv.FormatUint(tr.StartTime, 10), strconv.FormatUint(tr.EndTime, 10), tr.Asset.Hex(),
		tr.Amount.String(), tr.TradeFee.String(), tr.Reward.String(),
		string(tr.Status), tr.Claimed, tr.Metadata, tr.CreatedAt, tr.ResolvedAt, tr.ClaimedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return t.writeError("insert trade", err)
	}
	return nil
}

func (t *ledgerTx) UpdateTrade(ctx context.Context, tr *domain.Trade) error {
	if err := t.writable(); err != nil {
		return err
	}
	if tr == nil {
		return storage.ErrInvalidInput
	}

	// Only lifecycle fields change after creation.
	query := `
		UPDATE trades
		SET status = $2, claimed = $3, resolved_at = $4, claimed_at = $5
		WHERE trade_id = $1::numeric
	`

	tag, err := t.tx.Exec(ctx, query,
		strconv.FormatUint(tr.TradeID, 10), string(tr.Status), tr.Claimed, tr.ResolvedAt, tr.ClaimedAt,
	)
	if err != nil {
		return t.writeError("update trade", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) TradesByTrader(ctx context.Context, trader common.Address) ([]*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trader = $1 ORDER BY trade_id ASC`

	rows, err := t.tx.Query(ctx, query, trader.Hex())
	if err != nil {
		return nil, fmt.Errorf("query trades by trader: %w", err)
	}
	defer rows.Close()

	var result []*domain.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		result = append(result, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return result, nil
}

func (t *ledgerTx) Committed(ctx context.Context, asset common.Address) (*big.Int, error) {
	query := `
		SELECT (
			COALESCE(SUM(amount) FILTER (WHERE NOT claimed), 0) +
			COALESCE(SUM(trade_fee) FILTER (WHERE status = 'CREATED'), 0)
		)::text
		FROM trades
		WHERE asset = $1
	`

	var total string
	if err := t.tx.QueryRow(ctx, query, asset.Hex()).Scan(&total); err != nil {
		return nil, fmt.Errorf("sum committed: %w", err)
	}
	return parseBig(total)
}

func (t *ledgerTx) HasRole(ctx context.Context, role domain.Role, account common.Address) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM role_members WHERE role = $1 AND account = $2)`

	var held bool
	if err := t.tx.QueryRow(ctx, query, string(role), account.Hex()).Scan(&held); err != nil {
		return false, fmt.Errorf("check role: %w", err)
	}
	return held, nil
}

func (t *ledgerTx) GrantRole(ctx context.Context, role domain.Role, account common.Address) error {
	if err := t.writable(); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO role_members (role, account) VALUES ($1, $2)`,
		string(role), account.Hex(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return t.writeError("grant role", err)
	}
	return nil
}

func (t *ledgerTx) RevokeRole(ctx context.Context, role domain.Role, account common.Address) error {
	if err := t.writable(); err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx,
		`DELETE FROM role_members WHERE role = $1 AND account = $2`,
		string(role), account.Hex(),
	)
	if err != nil {
		return t.writeError("revoke role", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) RoleMembers(ctx context.Context, role domain.Role) ([]common.Address, error) {
	rows, err := t.tx.Query(ctx, `SELECT account FROM role_members WHERE role = $1`, string(role))
	if err != nil {
		return nil, fmt.Errorf("query role members: %w", err)
	}
	defer rows.Close()

	var result []common.Address
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("scan role member: %w", err)
		}
		result = append(result, common.HexToAddress(account))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role members: %w", err)
	}

	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Bytes(), result[j].Bytes()) < 0
	})
	return result, nil
}

func (t *ledgerTx) AppendEvent(ctx context.Context, e *domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	if e == nil || e.ID == uuid.Nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO events (id, kind, trade_id, account, asset, amount, actor, at)
		VALUES ($1::uuid, $2, $3::numeric, $4, $5, $6::numeric, $7, $8)
		RETURNING seq
	`

	var tradeID, amount *string
	if e.TradeID != nil {
		s := strconv.FormatUint(*e.TradeID, 10)
		tradeID = &s
	}
	if e.Amount != nil {
		s := e.Amount.String()
		amount = &s
	}

	var seq int64
	err := t.tx.QueryRow(ctx, query,
		e.ID.String(), string(e.Kind), tradeID, hexOrEmpty(e.Account), hexOrEmpty(e.Asset),
		amount, e.Actor.Hex(), e.At,
	).Scan(&seq)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return t.writeError("append event", err)
	}

	e.Seq = uint64(seq)
	return nil
}

func (t *ledgerTx) Events(ctx context.Context, afterSeq uint64, limit int) ([]*domain.Event, error) {
	query := `
		SELECT seq, id::text, kind, trade_id::text, account, asset, amount::text, actor, at
		FROM events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT NULLIF($2::bigint, 0)
	`

	rows, err := t.tx.Query(ctx, query, int64(afterSeq), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []*domain.Event
	for rows.Next() {
		var (
			e                     domain.Event
			seq                   int64
			id, kind              string
			account, asset, actor string
			tradeID, amount       *string
		)
		if err := rows.Scan(&seq, &id, &kind, &tradeID, &account, &asset, &amount, &actor, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.Seq = uint64(seq)
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		if tradeID != nil {
			v, err := strconv.ParseUint(*tradeID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse event trade_id: %w", err)
			}
			e.TradeID = &v
		}
		if amount != nil {
			if e.Amount, err = parseBig(*amount); err != nil {
				return nil, fmt.Errorf("parse event amount: %w", err)
			}
		}
		e.Account = common.HexToAddress(account)
		e.Asset = common.HexToAddress(asset)
		e.Actor = common.HexToAddress(actor)
		e.At = e.At.UTC()
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func (t *ledgerTx) writeError(op string, err error) error {
	if isReadOnlyError(err) {
		return storage.ErrReadOnly
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
