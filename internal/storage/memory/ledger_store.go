package memory

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

type roleKey struct {
	role    domain.Role
	account common.Address
}

// LedgerStore is an in-memory implementation of storage.Store.
// Update holds the write lock for the whole transaction; writes are staged
// on the transaction and applied only on success.
type LedgerStore struct {
	mu       sync.RWMutex
	settings *domain.Settings
	trades   map[uint64]*domain.Trade
	roles    map[roleKey]struct{}
	events   []*domain.Event
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		settings: &domain.Settings{ThresholdAmount: new(big.Int)},
		trades:   make(map[uint64]*domain.Trade),
		roles:    make(map[roleKey]struct{}),
	}
}

var _ storage.Store = (*LedgerStore)(nil)

// Update runs fn in a read-write transaction.
func (s *LedgerStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newLedgerTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn in a read-only transaction.
func (s *LedgerStore) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(newLedgerTx(s, true))
}

type ledgerTx struct {
	s        *LedgerStore
	readOnly bool

	settings *domain.Settings
	trades   map[uint64]*domain.Trade
	roles    map[roleKey]bool // true = granted, false = revoked
	events   []*domain.Event
}

func newLedgerTx(s *LedgerStore, readOnly bool) *ledgerTx {
	return &ledgerTx{
		s:        s,
		readOnly: readOnly,
		trades:   make(map[uint64]*domain.Trade),
		roles:    make(map[roleKey]bool),
	}
}

func (tx *ledgerTx) commit() {
	if tx.settings != nil {
		tx.s.settings = tx.settings
	}
	for id, t := range tx.trades {
		tx.s.trades[id] = t
	}
	for k, granted := range tx.roles {
		if granted {
			tx.s.roles[k] = struct{}{}
		} else {
			delete(tx.s.roles, k)
		}
	}
	tx.s.events = append(tx.s.events, tx.events...)
}

func (tx *ledgerTx) Settings(_ context.Context) (*domain.Settings, error) {
	if tx.settings != nil {
		return tx.settings.Clone(), nil
	}
	return tx.s.settings.Clone(), nil
}

func (tx *ledgerTx) PutSettings(_ context.Context, st *domain.Settings) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	if st == nil {
		return storage.ErrInvalidInput
	}
	tx.settings = st.Clone()
	return nil
}

func (tx *ledgerTx) lookup(id uint64) (*domain.Trade, bool) {
	if t, ok := tx.trades[id]; ok {
		return t, true
	}
	t, ok := tx.s.trades[id]
	return t, ok
}

func (tx *ledgerTx) Trade(_ context.Context, tradeID uint64) (*domain.Trade, error) {
	t, ok := tx.lookup(tradeID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (tx *ledgerTx) InsertTrade(_ context.Context, t *domain.Trade) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	if t == nil || t.Amount == nil || t.TradeFee == nil || t.Reward == nil {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.lookup(t.TradeID); exists {
		return storage.ErrDuplicateKey
	}
	tx.trades[t.TradeID] = t.Clone()
	return nil
}

func (tx *ledgerTx) UpdateTrade(_ context.Context, t *domain.Trade) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	if t == nil {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.lookup(t.TradeID); !exists {
		return storage.ErrNotFound
	}
	tx.trades[t.TradeID] = t.Clone()
	return nil
}

// each calls fn for every trade visible to the transaction.
func (tx *ledgerTx) each(fn func(t *domain.Trade)) {
	for id, t := range tx.s.trades {
		if _, staged := tx.trades[id]; staged {
			continue
		}
		fn(t)
	}
	for _, t := range tx.trades {
		fn(t)
	}
}

func (tx *ledgerTx) TradesByTrader(_ context.Context, trader common.Address) ([]*domain.Trade, error) {
	var result []*domain.Trade
	tx.each(func(t *domain.Trade) {
		if t.Trader == trader {
			result = append(result, t.Clone())
		}
	})

	sort.Slice(result, func(i, j int) bool {
		return result[i].TradeID < result[j].TradeID
	})

	return result, nil
}

func (tx *ledgerTx) Committed(_ context.Context, asset common.Address) (*big.Int, error) {
	total := new(big.Int)
	tx.each(func(t *domain.Trade) {
		if t.Asset == asset {
			total.Add(total, t.Obligation())
		}
	})
	return total, nil
}

func (tx *ledgerTx) HasRole(_ context.Context, role domain.Role, account common.Address) (bool, error) {
	k := roleKey{role: role, account: account}
	if granted, staged := tx.roles[k]; staged {
		return granted, nil
	}
	_, ok := tx.s.roles[k]
	return ok, nil
}

func (tx *ledgerTx) GrantRole(ctx context.Context, role domain.Role, account common.Address) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	held, _ := tx.HasRole(ctx, role, account)
	if held {
		return storage.ErrDuplicateKey
	}
	tx.roles[roleKey{role: role, account: account}] = true
	return nil
}

func (tx *ledgerTx) RevokeRole(ctx context.Context, role domain.Role, account common.Address) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	held, _ := tx.HasRole(ctx, role, account)
	if !held {
		return storage.ErrNotFound
	}
	tx.roles[roleKey{role: role, account: account}] = false
	return nil
}

func (tx *ledgerTx) RoleMembers(ctx context.Context, role domain.Role) ([]common.Address, error) {
	seen := make(map[common.Address]struct{})
	for k := range tx.s.roles {
		if k.role == role {
			seen[k.account] = struct{}{}
		}
	}
	for k := range tx.roles {
		if k.role == role {
			seen[k.account] = struct{}{}
		}
	}

	var result []common.Address
	for a := range seen {
		if held, _ := tx.HasRole(ctx, role, a); held {
			result = append(result, a)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return bytes.Compare(result[i].Bytes(), result[j].Bytes()) < 0
	})

	return result, nil
}

func (tx *ledgerTx) AppendEvent(_ context.Context, e *domain.Event) error {
	if tx.readOnly {
		return storage.ErrReadOnly
	}
	if e == nil {
		return storage.ErrInvalidInput
	}
	e.Seq = uint64(len(tx.s.events) + len(tx.events) + 1)
	tx.events = append(tx.events, e.Clone())
	return nil
}

func (tx *ledgerTx) Events(_ context.Context, afterSeq uint64, limit int) ([]*domain.Event, error) {
	var result []*domain.Event
	for _, log := range [][]*domain.Event{tx.s.events, tx.events} {
		for _, e := range log {
			if e.Seq <= afterSeq {
				continue
			}
			if limit > 0 && len(result) >= limit {
				return result, nil
			}
			result = append(result, e.Clone())
		}
	}
	return result, nil
}
