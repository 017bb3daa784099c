// Package memledger is an in-memory asset ledger for development and tests.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"trade-escrow/internal/custody"
)

// Ledger errors.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidAmount         = errors.New("invalid amount")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type book struct {
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

// Ledger implements custody.Ledger over in-memory balances and allowances.
// The custodian is the spender of TransferFrom and the sender of Transfer.
type Ledger struct {
	mu        sync.Mutex
	custodian common.Address
	books     map[common.Address]*book
	failures  map[common.Address]error
}

// NewLedger creates an empty ledger operated by custodian.
func NewLedger(custodian common.Address) *Ledger {
	return &Ledger{
		custodian: custodian,
		books:     make(map[common.Address]*book),
		failures:  make(map[common.Address]error),
	}
}

var _ custody.Ledger = (*Ledger)(nil)

// Token returns the handle for asset.
func (l *Ledger) Token(asset common.Address) custody.Token {
	return &token{ledger: l, asset: asset}
}

// Mint credits amount of asset to account.
func (l *Ledger) Mint(asset, account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(asset)
	b.balances[account] = new(big.Int).Add(balance(b, account), amount)
}

// Approve sets the allowance of spender over owner's asset balance.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.book(asset).allowances[allowanceKey{owner: owner, spender: spender}] = new(big.Int).Set(amount)
}

// Balance returns account's balance of asset.
func (l *Ledger) Balance(asset, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return new(big.Int).Set(balance(l.book(asset), account))
}

// Allowance returns spender's remaining allowance over owner's asset balance.
func (l *Ledger) Allowance(asset, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.book(asset).allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// FailAsset makes every subsequent call on asset return err. A nil err clears it.
func (l *Ledger) FailAsset(asset common.Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		delete(l.failures, asset)
		return
	}
	l.failures[asset] = err
}

func (l *Ledger) book(asset common.Address) *book {
	b, ok := l.books[asset]
	if !ok {
		b = &book{
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[allowanceKey]*big.Int),
		}
		l.books[asset] = b
	}
	return b
}

func balance(b *book, account common.Address) *big.Int {
	if v, ok := b.balances[account]; ok {
		return v
	}
	return new(big.Int)
}

func (l *Ledger) move(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b := l.book(asset)
	fromBal := balance(b, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	b.balances[from] = new(big.Int).Sub(fromBal, amount)
	b.balances[to] = new(big.Int).Add(balance(b, to), amount)
	return nil
}

type token struct {
	ledger *Ledger
	asset  common.Address
}

func (t *token) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	l := t.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failures[t.asset]; err != nil {
		return err
	}

	b := l.book(t.asset)
	key := allowanceKey{owner: from, spender: l.custodian}
	allowed, ok := b.allowances[key]
	if !ok || amount == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s for %s", ErrInsufficientAllowance, from.Hex(), l.custodian.Hex())
	}
	if err := l.move(t.asset, from, to, amount); err != nil {
		return err
	}
	b.allowances[key] = new(big.Int).Sub(allowed, amount)
	return nil
}

func (t *token) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	l := t.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failures[t.asset]; err != nil {
		return err
	}
	return l.move(t.asset, l.custodian, to, amount)
}

func (t *token) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	l := t.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failures[t.asset]; err != nil {
		return nil, err
	}
	return new(big.Int).Set(balance(l.book(t.asset), account)), nil
}
