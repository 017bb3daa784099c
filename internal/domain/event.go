package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventKind names an emitted protocol event.
type EventKind string

// Event kinds.
const (
	EventInitialized      EventKind = "Initialized"
	EventTradeCreated     EventKind = "TradeCreated"
	EventTradeResolved    EventKind = "TradeResolved"
	EventRewardClaimed    EventKind = "RewardClaimed"
	EventAdminAdded       EventKind = "AdminAdded"
	EventAdminRemoved     EventKind = "AdminRemoved"
	EventSignerAdded      EventKind = "SignerAdded"
	EventSignerRemoved    EventKind = "SignerRemoved"
	EventThresholdUpdated EventKind = "ThresholdUpdated"
	EventPaused           EventKind = "Paused"
	EventUnpaused         EventKind = "Unpaused"
	EventTokensWithdrawn  EventKind = "TokensWithdrawn"
)

// Event is an entry of the ledger's append-only event log.
type Event struct {
	ID      uuid.UUID
	Seq     uint64 // assigned by the store on append
	Kind    EventKind
	TradeID *uint64        // nil for non-trade events
	Account common.Address // trader, role holder or withdrawal recipient
	Asset   common.Address // zero when no asset is involved
	Amount  *big.Int       // nil when no amount is involved
	Actor   common.Address // caller that triggered the event
	At      time.Time
}

// NewEvent creates an event with a fresh ID.
func NewEvent(kind EventKind, actor common.Address, at time.Time) *Event {
	return &Event{
		ID:    uuid.New(),
		Kind:  kind,
		Actor: actor,
		At:    at.UTC(),
	}
}

// WithTrade sets the trade the event refers to.
func (e *Event) WithTrade(id uint64) *Event {
	e.TradeID = &id
	return e
}

// WithAccount sets the account the event refers to.
func (e *Event) WithAccount(a common.Address) *Event {
	e.Account = a
	return e
}

// WithAmount sets the asset and amount moved.
func (e *Event) WithAmount(asset common.Address, amount *big.Int) *Event {
	e.Asset = asset
	e.Amount = cloneInt(amount)
	return e
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.TradeID != nil {
		id := *e.TradeID
		c.TradeID = &id
	}
	c.Amount = cloneInt(e.Amount)
	return &c
}
