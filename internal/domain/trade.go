package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeStatus is the lifecycle stage of a trade.
type TradeStatus string

// Trade lifecycle stages. Transitions only move forward:
// Created -> Resolved -> Claimed.
const (
	TradeStatusCreated  TradeStatus = "CREATED"
	TradeStatusResolved TradeStatus = "RESOLVED"
	TradeStatusClaimed  TradeStatus = "CLAIMED"
)

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeStatusCreated, TradeStatusResolved, TradeStatusClaimed:
		return true
	}
	return false
}

// CanTransition reports whether a trade in status s may move to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	switch s {
	case TradeStatusCreated:
		return next == TradeStatusResolved
	case TradeStatusResolved:
		return next == TradeStatusClaimed
	}
	return false
}

// Trade is a custodied, time-boxed trade opened by a trader.
// The trade's ownership token shares its ID and is held by Trader.
type Trade struct {
	TradeID   uint64         // caller-chosen, never reused
	Trader    common.Address // expected caller of create and claim
	StartTime uint64         // trade window start (unix seconds)
	EndTime   uint64         // trade window end (unix seconds)
	Asset     common.Address // token ledger backing the trade

	Amount   *big.Int // principal, smallest units
	TradeFee *big.Int // routed to treasury on resolution
	Reward   *big.Int // paid from the reward pool on claim

	Status   TradeStatus
	Claimed  bool
	Metadata string // display URI of the ownership token

	CreatedAt  time.Time
	ResolvedAt *time.Time
	ClaimedAt  *time.Time
}

// Clone returns a deep copy of t.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	c.Amount = cloneInt(t.Amount)
	c.TradeFee = cloneInt(t.TradeFee)
	c.Reward = cloneInt(t.Reward)
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	return &c
}

// Expired reports whether the trade window has closed at now (unix seconds).
func (t *Trade) Expired(now uint64) bool {
	return now >= t.EndTime
}

// Escrowed is what the engine pulls from the trader at creation.
func (t *Trade) Escrowed() *big.Int {
	return new(big.Int).Add(t.Amount, t.TradeFee)
}

// Payout is what the trader receives on claim.
func (t *Trade) Payout() *big.Int {
	return new(big.Int).Add(t.Amount, t.Reward)
}

// Obligation is the part of custody still owed on account of this trade:
// the unresolved fee plus the unclaimed principal.
func (t *Trade) Obligation() *big.Int {
	owed := new(big.Int)
	if t.Status == TradeStatusCreated {
		owed.Add(owed, t.TradeFee)
	}
	if !t.Claimed {
		owed.Add(owed, t.Amount)
	}
	return owed
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
