package events

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"trade-escrow/internal/domain"
)

// Message is the JSON form of an event shared by the WebSocket feed and the event bus.
// Integers that may exceed 2^53 are rendered as decimal strings.
type Message struct {
	ID      string `json:"id"`
	Seq     uint64 `json:"seq"`
	Kind    string `json:"kind"`
	TradeID string `json:"trade_id,omitempty"`
	Account string `json:"account,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Actor   string `json:"actor"`
	At      int64  `json:"at_ms"`
}

// NewMessage converts e to its wire form.
func NewMessage(e *domain.Event) Message {
	m := Message{
		ID:    e.ID.String(),
		Seq:   e.Seq,
		Kind:  string(e.Kind),
		Actor: e.Actor.Hex(),
		At:    e.At.UnixMilli(),
	}
	if e.TradeID != nil {
		m.TradeID = strconv.FormatUint(*e.TradeID, 10)
	}
	if e.Account != (common.Address{}) {
		m.Account = e.Account.Hex()
	}
	if e.Asset != (common.Address{}) {
		m.Asset = e.Asset.Hex()
	}
	if e.Amount != nil {
		m.Amount = e.Amount.String()
	}
	return m
}

// Event converts m back to a domain event.
func (m Message) Event() (*domain.Event, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	e := &domain.Event{
		ID:    id,
		Seq:   m.Seq,
		Kind:  domain.EventKind(m.Kind),
		Actor: common.HexToAddress(m.Actor),
		At:    time.UnixMilli(m.At).UTC(),
	}
	if m.TradeID != "" {
		tid, err := strconv.ParseUint(m.TradeID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse trade id: %w", err)
		}
		e.TradeID = &tid
	}
	if m.Account != "" {
		e.Account = common.HexToAddress(m.Account)
	}
	if m.Asset != "" {
		e.Asset = common.HexToAddress(m.Asset)
	}
	if m.Amount != "" {
		v, ok := new(big.Int).SetString(m.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", m.Amount)
		}
		e.Amount = v
	}
	return e, nil
}
